package clienthello

import "errors"

// Each error signals that the buffer cannot be routed by SNI. Callers match
// them with errors.Is; returned errors may carry extra context.
var (
	ErrInsufficientData    = errors.New("insufficient data")
	ErrUnsupportedVersion  = errors.New("unsupported tls version")
	ErrNotHandshake        = errors.New("not a tls handshake record")
	ErrNotClientHello      = errors.New("handshake is not a clienthello")
	ErrInvalidUTF8Hostname = errors.New("server name is not valid utf-8")
)

// Kind returns a short stable label for err, suitable for metrics keys.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, ErrNotHandshake):
		return "not_handshake"
	case errors.Is(err, ErrNotClientHello):
		return "not_clienthello"
	case errors.Is(err, ErrInvalidUTF8Hostname):
		return "invalid_utf8_hostname"
	default:
		return "other"
	}
}
