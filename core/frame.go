package core

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

type frameState uint8

const (
	stateTotalElements frameState = iota
	stateTotalSize
	stateElementName
	stateElementSize
	stateElementData
	stateDone
)

func (s frameState) String() string {
	switch s {
	case stateTotalElements:
		return "read_total_elements"
	case stateTotalSize:
		return "read_total_size"
	case stateElementName:
		return "read_element_name"
	case stateElementSize:
		return "read_element_size"
	case stateElementData:
		return "read_element_data"
	default:
		return "done"
	}
}

// FrameHandler receives the decoded parts of one transfer stream in order.
// Slices passed to OnElementData belong to the caller and are only valid
// for the duration of the call.
type FrameHandler interface {
	OnStreamHeader(elements, totalSize int64) error
	OnElement(name string, size int64) error
	OnElementData(p []byte) error
	OnElementEnd() error
}

// FrameParser is the receive-side state machine over the inbound byte
// stream. Bytes may be fed in arbitrary chunks; a frame split across chunks
// is buffered and the state does not advance until it is complete.
type FrameParser struct {
	handler FrameHandler

	state   frameState
	scratch [int64Size]byte
	filled  int
	name    []byte

	elements  int64
	seen      int64
	remaining int64
}

func NewFrameParser(h FrameHandler) *FrameParser {
	return &FrameParser{handler: h}
}

func (p *FrameParser) Done() bool {
	return p.state == stateDone
}

// Elements is the element count announced by the stream header.
func (p *FrameParser) Elements() int64 {
	return p.elements
}

// Remaining reports how many elements are still expected.
func (p *FrameParser) Remaining() int64 {
	return p.elements - p.seen
}

// Feed consumes b and returns the number of bytes used. Once the last
// element completes the parser stops consuming, leaving any trailing bytes.
func (p *FrameParser) Feed(b []byte) (int, error) {
	consumed := 0

	for len(b) > 0 && p.state != stateDone {
		switch p.state {
		case stateTotalElements, stateTotalSize, stateElementSize:
			n := copy(p.scratch[p.filled:], b)
			p.filled += n
			b = b[n:]
			consumed += n
			if p.filled < int64Size {
				return consumed, nil
			}
			p.filled = 0

			if err := p.onInt64(DecodeInt64(p.scratch[:])); err != nil {
				return consumed, err
			}

		case stateElementName:
			idx := bytes.IndexByte(b, nameDelim)
			if idx < 0 {
				if len(p.name)+len(b) > MaxElementName {
					return consumed, fmt.Errorf("%w: element name exceeds %d bytes", ErrProtocol, MaxElementName)
				}
				p.name = append(p.name, b...)
				consumed += len(b)
				return consumed, nil
			}

			p.name = append(p.name, b[:idx]...)
			b = b[idx+1:]
			consumed += idx + 1

			if !utf8.Valid(p.name) {
				return consumed, ErrInvalidUTF8
			}
			p.state = stateElementSize

		case stateElementData:
			n := int64(len(b))
			if n > p.remaining {
				n = p.remaining
			}

			if err := p.handler.OnElementData(b[:n]); err != nil {
				return consumed, err
			}
			b = b[n:]
			consumed += int(n)
			p.remaining -= n

			if p.remaining == 0 {
				if err := p.endElement(); err != nil {
					return consumed, err
				}
			}
		}
	}

	return consumed, nil
}

func (p *FrameParser) onInt64(v int64) error {
	switch p.state {
	case stateTotalElements:
		p.elements = v
		p.state = stateTotalSize

	case stateTotalSize:
		h := StreamHeader{Elements: p.elements, TotalSize: v}
		if err := h.Validate(); err != nil {
			return err
		}
		if err := p.handler.OnStreamHeader(h.Elements, h.TotalSize); err != nil {
			return err
		}
		p.state = stateElementName
		if h.Elements == 0 {
			p.state = stateDone
		}

	case stateElementSize:
		h := ElementHeader{Name: string(p.name), Size: v}
		p.name = p.name[:0]

		if err := h.Validate(); err != nil {
			return err
		}
		if err := p.handler.OnElement(h.Name, h.Size); err != nil {
			return err
		}

		p.remaining = h.PayloadSize()
		if p.remaining == 0 {
			return p.endElement()
		}
		p.state = stateElementData
	}

	return nil
}

func (p *FrameParser) endElement() error {
	if err := p.handler.OnElementEnd(); err != nil {
		return err
	}

	p.seen++
	p.state = stateElementName
	if p.seen >= p.elements {
		p.state = stateDone
	}
	return nil
}
