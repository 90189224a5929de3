package observe

import "time"

// Span measures one stretch of wall time
type Span struct {
	now     func() time.Time
	started time.Time
	ended   time.Time
}

// Begin starts a span
func Begin() *Span {
	return beginWith(time.Now)
}

func beginWith(now func() time.Time) *Span {
	return &Span{now: now, started: now()}
}

// End closes the span and returns its length. Only the first call moves
// the end.
func (s *Span) End() time.Duration {
	if s.ended.IsZero() {
		s.ended = s.now()
	}
	return s.ended.Sub(s.started)
}
