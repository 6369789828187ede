package call

import (
	"errors"
	"strings"

	"github.com/chimelab/chime/internal/signal"
)

// ErrorKind is the user-facing failure taxonomy. Every terminal error maps
// to exactly one kind; partial failures (a single dropped candidate) are
// logged, not surfaced.
type ErrorKind string

const (
	KindDeviceUnavailable ErrorKind = "device-unavailable"
	KindPermissionDenied  ErrorKind = "permission-denied"
	KindNegotiationFailed ErrorKind = "negotiation-failed"
	KindRelayUnavailable  ErrorKind = "relay-unavailable"
	KindTimeout           ErrorKind = "timeout"
)

var (
	// ErrDeviceUnavailable means no usable camera/microphone was found.
	ErrDeviceUnavailable = errors.New("call: media device unavailable")
	// ErrPermissionDenied means the OS or user refused device access.
	ErrPermissionDenied = errors.New("call: media permission denied")

	// ErrCallInProgress is returned when a new attempt would need the
	// local media devices while another session still holds them.
	ErrCallInProgress = errors.New("call: another call is in progress")
	// ErrUnknownCall is returned for operations on a call ID that is
	// neither active nor pending.
	ErrUnknownCall = errors.New("call: unknown call id")
)

// Classify maps an error from media capture, negotiation, or the relay to
// its ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrDeviceUnavailable):
		return KindDeviceUnavailable
	case errors.Is(err, signal.ErrRelayUnavailable):
		return KindRelayUnavailable
	default:
		return KindNegotiationFailed
	}
}

// classifyCapture wraps a raw capture error with the matching sentinel.
// pion/mediadevices surfaces OS-level denial only as error text, so the
// check is necessarily by substring.
func classifyCapture(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "not permitted") {
		return errors.Join(ErrPermissionDenied, err)
	}
	return errors.Join(ErrDeviceUnavailable, err)
}
