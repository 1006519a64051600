// Command pdrcachemgrd runs the PDR cache manager daemon: it restores
// archived dataset files on demand into local cache volumes, evicts to
// make room, and continuously validates what it holds via a Monitor
// worker and drains asynchronous restore requests via a Cacher worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/archive"
	"github.com/nistoar/pdr-cachemgr/backend"
	"github.com/nistoar/pdr-cachemgr/cache"
	"github.com/nistoar/pdr-cachemgr/integrity"
	"github.com/nistoar/pdr-cachemgr/planner"
	"github.com/nistoar/pdr-cachemgr/registry"
	"github.com/nistoar/pdr-cachemgr/restore"
	"github.com/nistoar/pdr-cachemgr/secrets"
	"github.com/nistoar/pdr-cachemgr/server"
	"github.com/nistoar/pdr-cachemgr/store/inventorydb"
	"github.com/nistoar/pdr-cachemgr/telemetry"
	"github.com/nistoar/pdr-cachemgr/worker/cacher"
	"github.com/nistoar/pdr-cachemgr/worker/monitor"
)

// CLI is the daemon's command-line surface, parsed by kong.
type CLI struct {
	Address string `default:":8080" help:"Address to listen on."`

	InventoryDB string `default:"./data/inventory.db" help:"Path to the Storage Inventory DB file."`
	DataVolume  string `default:"./data/cache" help:"Directory backing the primary data cache volume."`
	HeadBagDir  string `default:"./data/headbags" help:"Directory backing the head-bag staging volume."`
	CacheState  string `default:"./data/state" help:"Directory for the monitor-status document and cacher queue file."`

	ArchiveURL string `default:"" help:"Base URL of the archive/bag store to restore from."`

	CredentialsFile string `default:"" help:"Path to a credentials template file resolved via secrets.Resolver."`
	AuthToken       string `default:"" help:"Bearer token required of inbound HTTP requests (overridden by credentials file's auth_token)."`

	DutyCycle   time.Duration `default:"30m" help:"Interval between Monitor worker cycle starts."`
	GracePeriod time.Duration `default:"24h" help:"Minimum object age before it becomes due for an integrity check."`
	BatchSize   int           `default:"200" help:"Maximum objects checked per Monitor sweep."`

	CacherPollInterval time.Duration `default:"5s" help:"How often the Cacher worker polls its queue when idle."`

	OTLPEndpoint string `default:"" help:"OTLP gRPC endpoint for metrics export; empty disables OTLP."`
	Prometheus   bool   `default:"true" help:"Expose Prometheus metrics at /metrics."`

	LogLevel string `default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogJSON  bool   `default:"false" help:"Emit JSON logs instead of tint's colorized console format."`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("PDR cache manager daemon"))

	if err := run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	logger, err := newLogger(cli)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "pdrcachemgrd",
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	creds, err := loadCredentials(ctx, cli, logger)
	if err != nil {
		return err
	}

	inv := inventorydb.New()
	if err := inv.Open(cli.InventoryDB); err != nil {
		return fmt.Errorf("opening inventory db: %w", err)
	}
	defer func() { _ = inv.Close() }()

	if _, err := registry.NewAlgorithms(ctx, inv); err != nil {
		return fmt.Errorf("registering default checksum algorithm: %w", err)
	}
	volumes := registry.NewVolumes(inv)

	dataFS, err := backend.NewFilesystem(cli.DataVolume)
	if err != nil {
		return fmt.Errorf("opening data volume: %w", err)
	}
	dataVol := backend.NewInstrumentedVolume(dataFS, "data")
	if err := volumes.Register(ctx, root.VolumeInfo{
		Name:     "data",
		Status:   root.VolForUpdate,
		Priority: root.DefaultPriority,
	}); err != nil {
		return fmt.Errorf("registering data volume: %w", err)
	}

	headBagFS, err := backend.NewFilesystem(cli.HeadBagDir)
	if err != nil {
		return fmt.Errorf("opening head-bag volume: %w", err)
	}
	headBagVol := backend.NewInstrumentedVolume(headBagFS, "headbags")

	stateFS, err := backend.NewFilesystem(cli.CacheState)
	if err != nil {
		return fmt.Errorf("opening cache-state volume: %w", err)
	}
	stateVol := backend.NewInstrumentedVolume(stateFS, "state")

	volumeResolver := func(name string) (backend.Volume, error) {
		switch name {
		case "data":
			return dataVol, nil
		case "headbags":
			return headBagVol, nil
		default:
			return nil, fmt.Errorf("unknown volume %q", name)
		}
	}

	archiveClient := newArchiveSource(cli, creds, logger)

	restorer, err := restore.NewBagRestorer(ctx, archiveClient, inv, headBagVol, "headbags",
		restore.WithLogger(logger.With("component", "restorer")))
	if err != nil {
		return fmt.Errorf("creating restorer: %w", err)
	}

	plan := planner.New(inv, planner.WithLogger(logger.With("component", "planner")))

	mgr := cache.New(inv, volumeResolver, restorer, plan,
		cache.WithLogger(logger.With("component", "cache")))

	dataMonitor := integrity.New(inv, volumeResolver, integrity.DefaultChecks(),
		integrity.WithVolume("data"),
		integrity.WithLogger(logger.With("component", "integrity", "volume", "data")))
	headBagMonitor := restorer.IntegrityMonitor(integrity.DefaultChecks())

	statusStore := monitor.NewStatusStore(stateVol, "monitor-status.json")
	monWorker := monitor.New(headBagMonitor, dataMonitor, statusStore, inv,
		monitor.WithDutyCycle(cli.DutyCycle),
		monitor.WithGracePeriod(cli.GracePeriod),
		monitor.WithBatchSize(cli.BatchSize),
		monitor.WithLogger(logger.With("component", "monitor")))

	queue := cacher.NewQueue(stateVol, "cacher-queue.txt")
	cacherWorker := cacher.New(queue, mgr,
		cacher.WithPollInterval(cli.CacherPollInterval),
		cacher.WithLogger(logger.With("component", "cacher")))

	authToken := cli.AuthToken
	if creds != nil && creds.AuthToken != "" {
		authToken = creds.AuthToken
	}

	srv, err := server.New(
		server.Config{
			Address:   cli.Address,
			AuthToken: authToken,
			Logger:    logger.With("component", "server"),
		},
		inv, volumes, mgr, monWorker, statusStore, cacherWorker, queue,
	)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	monWorker.Start(ctx)
	cacherWorker.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("pdrcachemgrd started", "address", srv.Address())

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := monWorker.Stop(shutdownCtx); err != nil {
			logger.Warn("stopping monitor worker", "error", err)
		}
		if err := cacherWorker.Stop(shutdownCtx); err != nil {
			logger.Warn("stopping cacher worker", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(cli CLI) (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	if cli.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.New(handler), nil
}

// loadCredentials resolves cli.CredentialsFile if set, returning nil
// (not an error) when no credentials file was configured.
func loadCredentials(ctx context.Context, cli CLI, logger *slog.Logger) (*secrets.Credentials, error) {
	if cli.CredentialsFile == "" {
		return nil, nil
	}
	resolver := secrets.NewResolver(secrets.WithLogger(logger.With("component", "credentials")))
	creds, err := resolver.ResolveFile(ctx, cli.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}

// newArchiveSource builds the HTTP archive client, applying a bearer
// token from credentials when present and instrumenting outbound
// requests with the same OTel transport wrapper the metrics stack uses
// elsewhere.
func newArchiveSource(cli CLI, creds *secrets.Credentials, logger *slog.Logger) *archive.HTTPSource {
	opts := []archive.Option{
		archive.WithHTTPClient(&http.Client{
			Timeout:   archive.DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		}),
	}
	if creds != nil && creds.Archive != nil && creds.Archive.BearerToken != "" {
		opts = append(opts, archive.WithBearerToken(creds.Archive.BearerToken))
	}
	return archive.New(cli.ArchiveURL, opts...)
}
