package core

import (
	"fmt"
	"time"
)

const (
	VERSION = "1.0.0"

	DefaultPort uint16 = 6442

	DefaultPeerTimeout              = 120 * time.Second
	DefaultHeartbeatInterval        = 60 * time.Second
	DefaultInitialDiscoveryInterval = 3 * time.Second
	DefaultInitialDiscoveryCount    = 5
	DefaultBroadcastMinGap          = time.Second
	DefaultConnectTimeout           = 10 * time.Second
	DefaultNetworkWatchInterval     = 60 * time.Second

	DefaultBufferSize       = 1024 * 1024
	DefaultProgressInterval = 256 * 1024

	// A peer already known is only touched again once its last sighting is
	// older than this.
	peerRefreshThreshold = 2 * time.Second

	// Addresses echoing our own datagrams back more than this many times are
	// ignored until restart.
	badAddressThreshold = 5

	maxDatagramSize = 64 * 1024
)

// StreamHeader opens every TCP transfer stream.
type StreamHeader struct {
	Elements  int64
	TotalSize int64
}

func (h StreamHeader) Validate() error {
	if h.Elements < 0 {
		return fmt.Errorf("%w: negative element count %d", ErrProtocol, h.Elements)
	}
	if h.TotalSize < 0 {
		return fmt.Errorf("%w: negative total size %d", ErrProtocol, h.TotalSize)
	}
	return nil
}

func (h StreamHeader) AppendTo(b []byte) []byte {
	return AppendStreamHeader(b, h.Elements, h.TotalSize)
}

// ElementHeader precedes each element payload on the stream.
type ElementHeader struct {
	Name string
	Size int64
}

func (h ElementHeader) IsFolder() bool {
	return h.Size == FolderSize
}

func (h ElementHeader) IsText() bool {
	return h.Name == TextSentinel
}

// PayloadSize is the number of bytes that follow the header on the wire.
func (h ElementHeader) PayloadSize() int64 {
	if h.Size < 0 {
		return 0
	}
	return h.Size
}

func (h ElementHeader) Validate() error {
	if h.Size < FolderSize {
		return fmt.Errorf("%w: invalid element size %d", ErrProtocol, h.Size)
	}
	if h.Name == "" {
		return fmt.Errorf("%w: empty element name", ErrProtocol)
	}
	if h.IsText() && h.IsFolder() {
		return fmt.Errorf("%w: text element cannot be a folder", ErrProtocol)
	}
	return nil
}

func (h ElementHeader) AppendTo(b []byte) []byte {
	return AppendElementHeader(b, h.Name, h.Size)
}
