package sanitize

import (
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Pipeline runs a fixed, ordered set of detectors over a text.
type Pipeline struct {
	detectors []Detector
	isolate   bool
	onFailure func(detector string, err error)
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithIsolation makes detector failures non-fatal: the failing detector's
// spans are dropped and the call continues with the remaining detectors.
// Off by default, because a broken detector then silently reduces coverage.
func WithIsolation(on bool) PipelineOption {
	return func(p *Pipeline) { p.isolate = on }
}

// WithFailureHook registers fn to be called for every detector error,
// isolated or not.
func WithFailureHook(fn func(detector string, err error)) PipelineOption {
	return func(p *Pipeline) { p.onFailure = fn }
}

// NewPipeline creates a pipeline over detectors in registration order.
func NewPipeline(detectors []Detector, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{detectors: detectors}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Len returns the number of registered detectors.
func (p *Pipeline) Len() int { return len(p.detectors) }

// Run invokes every detector on text and concatenates their spans in
// registration order. Detectors run concurrently; the first error aborts the
// call unless isolation is enabled. Invalid spans are dropped and Text is
// re-derived from the offsets.
func (p *Pipeline) Run(text string) ([]Span, error) {
	if len(p.detectors) == 0 {
		return nil, nil
	}

	results := make([][]Span, len(p.detectors))
	var g errgroup.Group
	for i, d := range p.detectors {
		g.Go(func() error {
			spans, err := d.Detect(text)
			if err != nil {
				name := detectorName(d, i)
				if p.onFailure != nil {
					p.onFailure(name, err)
				}
				if p.isolate {
					slog.Warn("sanitize: detector failed, skipping", "detector", name, "err", err)
					return nil
				}
				return &DetectorError{Detector: name, Err: err}
			}
			results[i] = spans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Span
	for _, spans := range results {
		all = append(all, normalizeSpans(text, spans)...)
	}
	return all, nil
}

// normalizeSpans drops spans with out-of-range or non-rune-boundary offsets
// and pins Text to the source substring so the round-trip law holds even if a
// detector reports a mismatching Text.
func normalizeSpans(text string, spans []Span) []Span {
	out := make([]Span, 0, len(spans))
	for _, sp := range spans {
		if sp.Start < 0 || sp.End > len(text) || sp.Start >= sp.End {
			continue
		}
		if !isRuneBoundary(text, sp.Start) || !isRuneBoundary(text, sp.End) {
			continue
		}
		if sp.EntityType == "" {
			continue
		}
		sp.Text = text[sp.Start:sp.End]
		out = append(out, sp)
	}
	return out
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
