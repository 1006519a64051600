// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// volumeKey is the context key for propagating a volume name to
	// background goroutines that outlive a request context.
	volumeKey contextKey = "volume"
)

// CacheResult represents the outcome of a GetObject/Cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Volume      string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetVolume sets the volume tag for metrics and logging.
func SetVolume(r *http.Request, volume string) {
	if tags := GetTags(r); tags != nil {
		tags.Volume = volume
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// VolumeFromContext retrieves the volume name from a context. It checks
// both background contexts (set by WithVolumeContext) and request contexts
// (set by SetVolume middleware via InjectTags).
func VolumeFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(volumeKey).(string); ok && v != "" {
		return v
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Volume
	}
	return ""
}

// WithVolumeContext returns a context with the volume name stored.
// Use this to propagate the volume into goroutines that outlive the
// request context (e.g. the Cacher worker).
func WithVolumeContext(ctx context.Context, volume string) context.Context {
	return context.WithValue(ctx, volumeKey, volume)
}
