package sanitize

import "fmt"

// Span describes one detected PII occurrence within a text.
// Start and End are byte offsets (UTF-8) forming the half-open range [Start, End).
type Span struct {
	EntityType string   // e.g. "EMAIL", "PHONE", "PERSON"
	Start      int      // offset of the first byte
	End        int      // offset one past the last byte
	Text       string   // text[Start:End]
	Confidence *float64 // detector certainty in [0,1]; nil when the detector does not report one
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether s and o share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return !(s.End <= o.Start || o.End <= s.Start)
}

// score returns the confidence used for comparisons; a missing value counts as 1.0.
func (s Span) score() float64 {
	if s.Confidence == nil {
		return 1.0
	}
	return *s.Confidence
}

// Conf is a helper for building spans with a confidence value.
func Conf(v float64) *float64 { return &v }

// Detector finds PII spans in a text.
// Implementations must be safe for concurrent use.
type Detector interface {
	Detect(text string) ([]Span, error)
}

// Named is implemented by detectors that want a readable name in logs and metrics.
type Named interface {
	Name() string
}

// DetectorFunc adapts a plain function to the Detector interface.
type DetectorFunc func(text string) ([]Span, error)

// Detect calls f(text).
func (f DetectorFunc) Detect(text string) ([]Span, error) { return f(text) }

// DetectorError is returned when a detector fails and isolation is off.
type DetectorError struct {
	Detector string
	Err      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("sanitize: detector %s: %v", e.Detector, e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }

func detectorName(d Detector, idx int) string {
	if n, ok := d.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("#%d", idx)
}
