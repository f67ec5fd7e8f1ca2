package sanitize

// StreamState is the per-stream state of incremental restoration: text
// held back because it may be the beginning of a placeholder that the next
// chunk completes.
type StreamState struct {
	Carry string
}

// Step feeds one text delta through the restorer. It returns the text that
// is safe to emit now and the state to pass to the next call.
//
// Complete placeholders are substituted. A trailing fragment that is a
// proper prefix of some placeholder, and that starts after the last complete
// placeholder, is carried over instead of emitted. The carry is therefore
// always shorter than the longest placeholder.
func (r *Restorer) Step(st StreamState, delta string) (string, StreamState) {
	s := st.Carry + delta
	if r.empty || s == "" {
		return s, StreamState{}
	}

	lastEnd := 0
	if locs := r.match.FindAllStringIndex(s, -1); len(locs) > 0 {
		lastEnd = locs[len(locs)-1][1]
	}

	hold := 0
	for k := min(r.maxLen-1, len(s)-lastEnd); k >= 1; k-- {
		if r.prefixes[s[len(s)-k:]] {
			hold = k
			break
		}
	}

	cut := len(s) - hold
	return r.Restore(s[:cut]), StreamState{Carry: s[cut:]}
}

// Flush ends a stream normally. The carry can no longer become a
// placeholder, so it is returned verbatim without substitution.
func (r *Restorer) Flush(st StreamState) string {
	return st.Carry
}
