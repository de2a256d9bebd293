package station

import "errors"

// Session/dispatcher error kinds.
var (
	ErrBusy             = errors.New("station: send already in progress")
	ErrTimeout          = errors.New("station: command timed out")
	ErrTokenUnavailable = errors.New("station: no token discovered for device")
	ErrUnknownAction    = errors.New("station: unknown action")
	ErrBadArgument      = errors.New("station: bad argument")
)
