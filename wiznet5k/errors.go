package wiznet5k

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkDown is returned when an operation requires an established
	// Ethernet link and the PHY reports none.
	ErrLinkDown = errors.New("ethernet link is down")

	// ErrNoFreeSocket is returned by [Device.Socket] when every hardware
	// socket is in a non-reusable state.
	ErrNoFreeSocket = errors.New("no free socket")

	// ErrNoData is returned by read operations when the socket is alive
	// but its receive buffer is empty. It is distinct from [io.EOF],
	// which reports a drained socket whose peer is gone.
	ErrNoData = errors.New("no data available")

	// ErrConnectionFailed is returned when a connection attempt regresses
	// to CLOSED before reaching ESTABLISHED.
	ErrConnectionFailed = errors.New("connection attempt failed")

	// ErrBufferExceeded is returned when a send is larger than the
	// socket's hardware buffer and so could never complete.
	ErrBufferExceeded = errors.New("payload exceeds socket buffer size")
)

// StateError reports an operation attempted on a socket whose chip-side
// state is incompatible with it.
type StateError struct {
	Op     string
	Socket uint8
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: socket %d in state %s", e.Op, e.Socket, e.Status)
}
