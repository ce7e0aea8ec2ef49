package replproto

// CopyState is the Copy subprotocol state machine:
// Init -> {In, Out, Both} -> Done | Fail.
type CopyState int

const (
	CopyInit CopyState = iota
	CopyIn
	CopyOut
	CopyBoth
	CopyDone
	CopyFail
)

func (s CopyState) String() string {
	switch s {
	case CopyInit:
		return "Init"
	case CopyIn:
		return "In"
	case CopyOut:
		return "Out"
	case CopyBoth:
		return "Both"
	case CopyDone:
		return "Done"
	case CopyFail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// transition validates one of the copy-state machine's permitted
// edges: Init->{In,Out,Both}, {In,Out,Both}->Done, Both->{In,Out} and
// any->Fail. Any other edge reports false and leaves the state
// unchanged.
func (s CopyState) transition(to CopyState) (CopyState, bool) {
	if to == CopyFail {
		return CopyFail, true
	}
	switch s {
	case CopyInit:
		if to == CopyIn || to == CopyOut || to == CopyBoth {
			return to, true
		}
	case CopyIn, CopyOut, CopyBoth:
		if to == CopyDone {
			return CopyDone, true
		}
		// In Both, a CopyDone from one side transitions to the
		// opposing data-only state.
		if s == CopyBoth && (to == CopyIn || to == CopyOut) {
			return to, true
		}
	}
	return s, false
}
