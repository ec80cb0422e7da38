package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// MessageType is the 1-byte discriminator that opens every discovery datagram.
type MessageType uint8

const (
	MsgInvalid            MessageType = 0x00
	MsgHelloBroadcast     MessageType = 0x01
	MsgHelloUnicast       MessageType = 0x02
	MsgGoodbye            MessageType = 0x03
	MsgHelloPortBroadcast MessageType = 0x04
	MsgHelloPortUnicast   MessageType = 0x05
	MsgTransferRequest    MessageType = 0x06
	MsgTransferAccept     MessageType = 0x07
	MsgTransferDecline    MessageType = 0x08
	MsgTransferCancel     MessageType = 0x09
)

func (t MessageType) String() string {
	switch t {
	case MsgHelloBroadcast:
		return "hello_broadcast"
	case MsgHelloUnicast:
		return "hello_unicast"
	case MsgGoodbye:
		return "goodbye"
	case MsgHelloPortBroadcast:
		return "hello_port_broadcast"
	case MsgHelloPortUnicast:
		return "hello_port_unicast"
	case MsgTransferRequest:
		return "transfer_request"
	case MsgTransferAccept:
		return "transfer_accept"
	case MsgTransferDecline:
		return "transfer_decline"
	case MsgTransferCancel:
		return "transfer_cancel"
	default:
		return "invalid"
	}
}

// Message is one discovery datagram. Each wire type has its own variant.
type Message interface {
	Type() MessageType
}

// Hello is implemented by every HELLO variant.
type Hello interface {
	Message
	HelloSignature() string
	// AnnouncedPort is 0 for the variants that carry no port.
	AnnouncedPort() uint16
	IsBroadcast() bool
}

type Invalid struct {
	Code byte
}

type HelloBroadcast struct {
	Signature string
}

type HelloUnicast struct {
	Signature string
}

type HelloPortBroadcast struct {
	Port      uint16
	Signature string
}

type HelloPortUnicast struct {
	Port      uint16
	Signature string
}

type Goodbye struct {
	Signature string
}

// TransferRequest announces an outbound transfer and waits for a reply
// carrying the same TransferID.
type TransferRequest struct {
	Signature   string   `json:"signature"`
	TransferID  string   `json:"transfer_id"`
	TotalFiles  int64    `json:"total_files"`
	TotalSize   int64    `json:"total_size"`
	Description string   `json:"description"`
	FileNames   []string `json:"file_names,omitempty"`
}

// TransferReply is the shared payload of accept, decline and cancel.
// Data is the save location hint on accept and the reason otherwise.
type TransferReply struct {
	Signature  string `json:"signature"`
	TransferID string `json:"transfer_id"`
	Data       string `json:"data,omitempty"`
}

type TransferAccept TransferReply

type TransferDecline TransferReply

type TransferCancel TransferReply

func (Invalid) Type() MessageType            { return MsgInvalid }
func (HelloBroadcast) Type() MessageType     { return MsgHelloBroadcast }
func (HelloUnicast) Type() MessageType       { return MsgHelloUnicast }
func (HelloPortBroadcast) Type() MessageType { return MsgHelloPortBroadcast }
func (HelloPortUnicast) Type() MessageType   { return MsgHelloPortUnicast }
func (Goodbye) Type() MessageType            { return MsgGoodbye }
func (TransferRequest) Type() MessageType    { return MsgTransferRequest }
func (TransferAccept) Type() MessageType     { return MsgTransferAccept }
func (TransferDecline) Type() MessageType    { return MsgTransferDecline }
func (TransferCancel) Type() MessageType     { return MsgTransferCancel }

func (m HelloBroadcast) HelloSignature() string     { return m.Signature }
func (m HelloUnicast) HelloSignature() string       { return m.Signature }
func (m HelloPortBroadcast) HelloSignature() string { return m.Signature }
func (m HelloPortUnicast) HelloSignature() string   { return m.Signature }

func (HelloBroadcast) AnnouncedPort() uint16       { return 0 }
func (HelloUnicast) AnnouncedPort() uint16         { return 0 }
func (m HelloPortBroadcast) AnnouncedPort() uint16 { return m.Port }
func (m HelloPortUnicast) AnnouncedPort() uint16   { return m.Port }

func (HelloBroadcast) IsBroadcast() bool     { return true }
func (HelloUnicast) IsBroadcast() bool       { return false }
func (HelloPortBroadcast) IsBroadcast() bool { return true }
func (HelloPortUnicast) IsBroadcast() bool   { return false }

// NewHello picks the variant for the given port and delivery mode. The
// port-less variants are used when announcing on the default port, which
// keeps classic peers interoperable.
func NewHello(port uint16, signature string, broadcast bool) Hello {
	switch {
	case port == DefaultPort && broadcast:
		return HelloBroadcast{Signature: signature}
	case port == DefaultPort:
		return HelloUnicast{Signature: signature}
	case broadcast:
		return HelloPortBroadcast{Port: port, Signature: signature}
	default:
		return HelloPortUnicast{Port: port, Signature: signature}
	}
}

// EncodeMessage serializes m into one datagram.
func EncodeMessage(m Message) ([]byte, error) {
	b := []byte{byte(m.Type())}

	switch v := m.(type) {
	case HelloBroadcast:
		return append(b, v.Signature...), nil
	case HelloUnicast:
		return append(b, v.Signature...), nil
	case Goodbye:
		return append(b, v.Signature...), nil
	case HelloPortBroadcast:
		return appendPortSignature(b, v.Port, v.Signature)
	case HelloPortUnicast:
		return appendPortSignature(b, v.Port, v.Signature)
	case TransferRequest:
		return appendJSON(b, v)
	case TransferAccept:
		return appendJSON(b, TransferReply(v))
	case TransferDecline:
		return appendJSON(b, TransferReply(v))
	case TransferCancel:
		return appendJSON(b, TransferReply(v))
	default:
		return nil, fmt.Errorf("%w: cannot encode %s", ErrMalformedMessage, m.Type())
	}
}

func appendPortSignature(b []byte, port uint16, signature string) ([]byte, error) {
	if port == 0 {
		return nil, fmt.Errorf("%w: port 0", ErrMalformedMessage)
	}
	b = binary.LittleEndian.AppendUint16(b, port)
	return append(b, signature...), nil
}

func appendJSON(b []byte, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, payload...), nil
}

// DecodeMessage parses one datagram. Unknown type bytes decode to Invalid
// without error; malformed bodies return an error and should be dropped.
func DecodeMessage(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, ErrMalformedMessage
	}

	body := b[1:]
	if !utf8.Valid(body) && MessageType(b[0]) != MsgHelloPortBroadcast && MessageType(b[0]) != MsgHelloPortUnicast {
		return nil, ErrInvalidUTF8
	}

	switch t := MessageType(b[0]); t {
	case MsgHelloBroadcast:
		return HelloBroadcast{Signature: string(body)}, nil
	case MsgHelloUnicast:
		return HelloUnicast{Signature: string(body)}, nil
	case MsgGoodbye:
		return Goodbye{Signature: string(body)}, nil
	case MsgHelloPortBroadcast, MsgHelloPortUnicast:
		port, signature, err := decodePortSignature(body)
		if err != nil {
			return nil, err
		}
		if t == MsgHelloPortBroadcast {
			return HelloPortBroadcast{Port: port, Signature: signature}, nil
		}
		return HelloPortUnicast{Port: port, Signature: signature}, nil
	case MsgTransferRequest:
		var req TransferRequest
		if err := decodeJSON(body, &req); err != nil {
			return nil, err
		}
		if req.TotalFiles < 0 || req.TotalSize < 0 {
			return nil, fmt.Errorf("%w: negative totals", ErrMalformedMessage)
		}
		return req, nil
	case MsgTransferAccept, MsgTransferDecline, MsgTransferCancel:
		var reply TransferReply
		if err := decodeJSON(body, &reply); err != nil {
			return nil, err
		}
		switch t {
		case MsgTransferAccept:
			return TransferAccept(reply), nil
		case MsgTransferDecline:
			return TransferDecline(reply), nil
		default:
			return TransferCancel(reply), nil
		}
	default:
		return Invalid{Code: b[0]}, nil
	}
}

func decodePortSignature(body []byte) (uint16, string, error) {
	if len(body) < 2 {
		return 0, "", fmt.Errorf("%w: truncated port", ErrMalformedMessage)
	}

	port := binary.LittleEndian.Uint16(body[:2])
	if port == 0 {
		return 0, "", fmt.Errorf("%w: port 0", ErrMalformedMessage)
	}

	signature := body[2:]
	if !utf8.Valid(signature) {
		return 0, "", ErrInvalidUTF8
	}
	return port, string(signature), nil
}

type transferIDCarrier interface {
	transferID() string
}

func (r *TransferRequest) transferID() string { return r.TransferID }
func (r *TransferReply) transferID() string   { return r.TransferID }

func decodeJSON(body []byte, v transferIDCarrier) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if v.transferID() == "" {
		return fmt.Errorf("%w: missing transfer_id", ErrMalformedMessage)
	}
	return nil
}
