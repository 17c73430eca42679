// Package errs defines the sentinel error kinds raised by the stack,
// so callers can distinguish them with errors.Is.
package errs

import "errors"

var (
	// ErrTransportUnavailable is returned when send is attempted while
	// the controller is not ready to accept another packet.
	ErrTransportUnavailable = errors.New("bthid: transport unavailable")

	// ErrCommandFailed is returned when a Command Complete event carries
	// a non-zero status.
	ErrCommandFailed = errors.New("bthid: command failed")

	// ErrConnectionFailed is returned when a Connection Complete event
	// carries a non-zero status.
	ErrConnectionFailed = errors.New("bthid: connection failed")

	// ErrPairingFailed is returned when Authentication Complete carries
	// a non-zero status for a connection we initiated.
	ErrPairingFailed = errors.New("bthid: pairing failed")

	// ErrNoDeviceFound is returned after repeated empty inquiries.
	ErrNoDeviceFound = errors.New("bthid: no HID device found")

	// ErrProtocolReject is returned when a peer sends an L2CAP Command
	// Reject.
	ErrProtocolReject = errors.New("bthid: peer rejected L2CAP command")
)
