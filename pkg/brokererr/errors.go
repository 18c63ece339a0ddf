// Package brokererr defines the error kinds shared across the session,
// pool, and media coordinators. Errors from the broker library, JSON
// encoding or decoding, and a cancelled caller context are passed back to
// callers as they are, not converted into these kinds.
package brokererr

import (
	"errors"
	"fmt"
)

// ErrNoBroker means the broker refused the connection or the host was
// unreachable. The session manager records no HostEntry for this outcome.
var ErrNoBroker = errors.New("brokerhub: no broker")

// ErrTimeout means a pool call exceeded its per-call deadline.
var ErrTimeout = errors.New("brokerhub: timed out waiting for reply")

// ErrShutdown means the coordinator has already been asked to shut down.
var ErrShutdown = errors.New("brokerhub: coordinator is shut down")

// ErrNoPorts means the media dispatcher's port pool could not produce a
// lease (pool empty and a refill attempt yielded nothing).
var ErrNoPorts = errors.New("brokerhub: no ports available")

// ChannelOpenFailed wraps the broker library's error when connection
// succeeded but channel negotiation (channel open or exchange declare)
// failed.
type ChannelOpenFailed struct {
	Cause error
}

func (e *ChannelOpenFailed) Error() string {
	return fmt.Sprintf("brokerhub: channel open failed: %v", e.Cause)
}

func (e *ChannelOpenFailed) Unwrap() error { return e.Cause }

// EnvelopeInvalid means an envelope shaper rejected a payload before any
// publish was attempted. Kind names the call kind whose schema rejected it.
type EnvelopeInvalid struct {
	Kind   string
	Reason string
}

func (e *EnvelopeInvalid) Error() string {
	return fmt.Sprintf("brokerhub: envelope invalid for %s: %s", e.Kind, e.Reason)
}

// BrokerHostDown is delivered once to every live holder of a channel on a
// host whose connection just died or whose node-down notification arrived.
type BrokerHostDown struct {
	Host string
}

func (e *BrokerHostDown) Error() string {
	return fmt.Sprintf("brokerhub: broker host down: %s", e.Host)
}

// NotFound means media resolution could not locate the requested document.
type NotFound struct {
	MediaName string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("brokerhub: media not found: %s", e.MediaName)
}

// NoData means the resolved document is not streamable or has no
// attachments.
type NoData struct {
	MediaName string
}

func (e *NoData) Error() string {
	return fmt.Sprintf("brokerhub: media has no data: %s", e.MediaName)
}

// ErrorCode maps an error produced by media resolution onto the
// Error-Code vocabulary from the wire envelope:
// not_found, no_data, or other.
func ErrorCode(err error) string {
	var nf *NotFound
	var nd *NoData
	switch {
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &nd):
		return "no_data"
	default:
		return "other"
	}
}
