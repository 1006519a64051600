// Package archive provides a thin HTTP-based implementation of
// restore.ArchiveSource. The archive/bag-store/object-store backing this
// cache is an external collaborator (spec.md §1 Non-goals: "Bag storage
// drivers, object-store clients... interfaces only") — this package is
// the one concrete adapter the daemon needs to actually run against one,
// not a second core component.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	root "github.com/nistoar/pdr-cachemgr"
)

// DefaultTimeout is the default per-request timeout against the archive.
const DefaultTimeout = 30 * time.Second

// HTTPSource fetches AIP-ID content and dataset manifests over HTTP(S)
// from a PDR bag store, authenticating with a bearer token when
// configured.
type HTTPSource struct {
	baseURL     string
	client      *http.Client
	bearerToken string
}

// Option configures an HTTPSource.
type Option func(*HTTPSource)

// WithHTTPClient sets a custom HTTP client, e.g. one wrapped with
// telemetry.InstrumentedTransport.
func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPSource) { s.client = client }
}

// WithBearerToken sets the bearer token sent on every outbound request.
func WithBearerToken(token string) Option {
	return func(s *HTTPSource) { s.bearerToken = token }
}

// New creates an HTTPSource rooted at baseURL (e.g.
// "https://data.nist.gov/od/ds").
func New(baseURL string, opts ...Option) *HTTPSource {
	s := &HTTPSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSource) memberURL(id root.AIPID) string {
	path := id.DatasetID
	if id.FilePath != "" {
		path += "/" + id.FilePath
	}
	u := fmt.Sprintf("%s/%s", s.baseURL, path)
	if id.Version != "" {
		u += "?version=" + id.Version
	}
	return u
}

func (s *HTTPSource) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: creating request: %w", err)
	}
	if s.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearerToken)
	}
	return req, nil
}

// Exists reports whether id has backing content in the archive.
func (s *HTTPSource) Exists(ctx context.Context, id root.AIPID) (bool, error) {
	req, err := s.newRequest(ctx, http.MethodHead, s.memberURL(id))
	if err != nil {
		return false, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("archive: checking existence of %s: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, fmt.Errorf("archive: unexpected status %d checking %s", resp.StatusCode, id)
	}
}

// Open streams id's content. size is -1 if the archive does not report
// Content-Length.
func (s *HTTPSource) Open(ctx context.Context, id root.AIPID) (io.ReadCloser, int64, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.memberURL(id))
	if err != nil {
		return nil, 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("archive: fetching %s: %w", id, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, 0, root.ErrResourceNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("archive: unexpected status %d fetching %s: %s", resp.StatusCode, id, string(body))
	}

	size := resp.ContentLength
	if size < 0 {
		size = root.UnknownSize
	}
	return resp.Body, size, nil
}

// manifest is the head-bag member listing returned by the archive.
type manifest struct {
	Members []string `json:"members"`
}

// ListMembers enumerates the AIP-IDs of every file belonging to dataset
// dsid at version (empty means latest), as read from the dataset's head
// bag manifest.
func (s *HTTPSource) ListMembers(ctx context.Context, dsid, version string) ([]root.AIPID, error) {
	url := fmt.Sprintf("%s/%s", s.baseURL, dsid)
	if version != "" {
		url += "?version=" + version + "&format=manifest"
	} else {
		url += "?format=manifest"
	}

	req, err := s.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("archive: fetching manifest for %s: %w", dsid, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, root.ErrResourceNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("archive: unexpected status %d fetching manifest for %s: %s", resp.StatusCode, dsid, string(body))
	}

	var m manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("archive: decoding manifest for %s: %w", dsid, err)
	}

	members := make([]root.AIPID, len(m.Members))
	for i, path := range m.Members {
		members[i] = root.AIPID{DatasetID: dsid, FilePath: path, Version: version}
	}
	return members, nil
}
