package retention

import "fmt"

// Error distinguishes retention-engine failures from the catalog
// errors they usually wrap; any catalog error aborts the whole
// Apply call.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("retention: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
