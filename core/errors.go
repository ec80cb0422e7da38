package core

import (
	"errors"
	"fmt"
)

var (
	ErrConfig      = errors.New("config error")
	ErrNetworkBind = errors.New("network bind error")
	ErrInterface   = errors.New("interface enumeration error")
	ErrProtocol    = errors.New("protocol error")
	ErrIO          = errors.New("io error")
	ErrPeerGone    = errors.New("peer gone")
	ErrDeclined    = errors.New("transfer declined")
	ErrCancelled   = errors.New("transfer cancelled")

	ErrEmptySources     = fmt.Errorf("%w: no sources to send", ErrConfig)
	ErrNoDownloadDir    = fmt.Errorf("%w: download directory is not set", ErrConfig)
	ErrInvalidPort      = fmt.Errorf("%w: invalid port", ErrConfig)
	ErrMalformedMessage = fmt.Errorf("%w: malformed discovery message", ErrProtocol)
	ErrInvalidUTF8      = fmt.Errorf("%w: invalid utf-8", ErrProtocol)
	ErrUnsafePath       = fmt.Errorf("%w: unsafe element name", ErrProtocol)
	ErrSizeOverflow     = fmt.Errorf("%w: element exceeds declared total size", ErrProtocol)
	ErrUnexpectedEOF    = fmt.Errorf("%w: connection closed before all elements arrived", ErrPeerGone)
	ErrUnknownPeer      = errors.New("unknown peer")
)

// BindError reports a port that could not be bound, with the process
// holding it when the OS could tell us.
type BindError struct {
	Port  int
	Proto string
	App   string
	Err   error
}

func (e *BindError) Error() string {
	if e.App != "" {
		return fmt.Sprintf("%s port %d is in use by %s", e.Proto, e.Port, e.App)
	}
	return fmt.Sprintf("%s port %d is unavailable: %v", e.Proto, e.Port, e.Err)
}

func (e *BindError) Unwrap() []error {
	return []error{ErrNetworkBind, e.Err}
}

// DeclinedError is returned when the receiver refuses a request or the
// request is cancelled before acceptance.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string {
	if e.Reason == "" {
		return ErrDeclined.Error()
	}
	return fmt.Sprintf("%s: %s", ErrDeclined, e.Reason)
}

func (e *DeclinedError) Unwrap() error {
	return ErrDeclined
}
