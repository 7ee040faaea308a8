package delivery

import "context"

// Status is the outcome class of a single push.
type Status uint8

const (
	StatusDelivered Status = iota
	// StatusGone means the peer is permanently unreachable; the connection
	// record should be removed.
	StatusGone
	// StatusFailed is any other failure. The connection may still be alive.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusGone:
		return "gone"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what a Pusher reports for one push.
type Result struct {
	Status Status
	Err    error
}

func Delivered() Result       { return Result{Status: StatusDelivered} }
func Gone(err error) Result   { return Result{Status: StatusGone, Err: err} }
func Failed(err error) Result { return Result{Status: StatusFailed, Err: err} }

// OK reports whether the push reached the peer.
func (r Result) OK() bool { return r.Status == StatusDelivered }

// Pusher writes one frame to one connection over the duplex channel. It must
// honour ctx's deadline and report a missed deadline as Failed.
type Pusher interface {
	Push(ctx context.Context, connectionID string, payload []byte) Result
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, connectionID string, payload []byte) Result

func (f PusherFunc) Push(ctx context.Context, connectionID string, payload []byte) Result {
	return f(ctx, connectionID, payload)
}
