package decision

import "github.com/rotisserie/eris"

// Errors surfaced to callers. Provider and parse failures never reach
// callers; they turn into statistical fallback results.
var (
	ErrInvalidQuery    = eris.New("decision: invalid query")
	ErrSubjectNotFound = eris.New("decision: subject not found")
	ErrResultNotFound  = eris.New("decision: result not found")
	// ErrResultChanged means the result was recomputed while a review of
	// the older one was being saved.
	ErrResultChanged   = eris.New("decision: result changed during review")
)

func invalidf(format string, args ...any) error {
	return eris.Wrapf(ErrInvalidQuery, format, args...)
}
