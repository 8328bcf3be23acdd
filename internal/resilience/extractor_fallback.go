package resilience

import (
	"context"

	"github.com/MrWong99/qualivox/internal/qualify"
)

// ExtractorFallback implements [qualify.Extractor] with failover across
// several extractors. Malformed model output counts as a failure, so a model
// that stops producing JSON is bypassed like one that is down.
type ExtractorFallback struct {
	group *FallbackGroup[qualify.Extractor]
}

var _ qualify.Extractor = (*ExtractorFallback)(nil)

// NewExtractorFallback creates an ExtractorFallback with primary preferred.
func NewExtractorFallback(primary qualify.Extractor, primaryName string, cfg FallbackConfig) *ExtractorFallback {
	return &ExtractorFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another extractor tried after the earlier ones.
func (f *ExtractorFallback) AddFallback(name string, ex qualify.Extractor) {
	f.group.AddFallback(name, ex)
}

// Backends returns the extractor names in try order.
func (f *ExtractorFallback) Backends() []string {
	return f.group.Names()
}

// Extract implements qualify.Extractor.
func (f *ExtractorFallback) Extract(ctx context.Context, req qualify.Request) (map[string]any, error) {
	return ExecuteWithResult(ctx, f.group, func(ex qualify.Extractor) (map[string]any, error) {
		return ex.Extract(ctx, req)
	})
}
