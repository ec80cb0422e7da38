package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "hello broadcast", msg: HelloBroadcast{Signature: "ann at laptop (Linux)"}},
		{name: "hello unicast", msg: HelloUnicast{Signature: "ann at laptop (Linux)"}},
		{name: "hello port broadcast", msg: HelloPortBroadcast{Port: 7000, Signature: "bob at desk (Windows)"}},
		{name: "hello port unicast", msg: HelloPortUnicast{Port: 65535, Signature: "bob at desk (Windows)"}},
		{name: "goodbye", msg: Goodbye{Signature: "ann at laptop (Linux)"}},
		{name: "goodbye without signature", msg: Goodbye{}},
		{
			name: "request",
			msg: TransferRequest{
				Signature:   "ann",
				TransferID:  "42",
				TotalFiles:  2,
				TotalSize:   1024,
				Description: "2 files",
				FileNames:   []string{"a.txt", "b.txt"},
			},
		},
		{name: "accept", msg: TransferAccept{Signature: "bob", TransferID: "42", Data: "/home/bob/Downloads"}},
		{name: "decline", msg: TransferDecline{Signature: "bob", TransferID: "42", Data: "busy"}},
		{name: "cancel", msg: TransferCancel{Signature: "ann", TransferID: "42"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodeMessage(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, byte(tt.msg.Type()), b[0])

			got, err := DecodeMessage(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestHelloPortIsLittleEndian(t *testing.T) {
	b, err := EncodeMessage(HelloPortBroadcast{Port: 0x1234, Signature: "x"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x34, 0x12, 'x'}, b)
}

func TestDecodeMessageErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{name: "empty", input: nil, wantErr: ErrMalformedMessage},
		{name: "port zero", input: []byte{0x04, 0x00, 0x00, 'x'}, wantErr: ErrMalformedMessage},
		{name: "truncated port", input: []byte{0x05, 0x01}, wantErr: ErrMalformedMessage},
		{name: "invalid utf8 signature", input: []byte{0x01, 0xff, 0xfe}, wantErr: ErrInvalidUTF8},
		{name: "invalid utf8 after port", input: []byte{0x04, 0x01, 0x00, 0xff}, wantErr: ErrInvalidUTF8},
		{name: "bad json", input: append([]byte{0x06}, "{not json"...), wantErr: ErrMalformedMessage},
		{name: "missing transfer id", input: append([]byte{0x07}, `{"signature":"x"}`...), wantErr: ErrMalformedMessage},
		{name: "negative totals", input: append([]byte{0x06}, `{"transfer_id":"1","total_size":-1}`...), wantErr: ErrMalformedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecodeUnknownTypeIsInvalid(t *testing.T) {
	for _, code := range []byte{0x00, 0x0a, 0xff} {
		msg, err := DecodeMessage([]byte{code, 'x'})
		require.NoError(t, err)
		assert.Equal(t, Invalid{Code: code}, msg)
		assert.Equal(t, MsgInvalid, msg.Type())
	}
}

func TestEncodeRejectsPortZero(t *testing.T) {
	_, err := EncodeMessage(HelloPortUnicast{Port: 0, Signature: "x"})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestNewHello(t *testing.T) {
	assert.Equal(t, HelloBroadcast{Signature: "s"}, NewHello(DefaultPort, "s", true))
	assert.Equal(t, HelloUnicast{Signature: "s"}, NewHello(DefaultPort, "s", false))
	assert.Equal(t, HelloPortBroadcast{Port: 7000, Signature: "s"}, NewHello(7000, "s", true))
	assert.Equal(t, HelloPortUnicast{Port: 7000, Signature: "s"}, NewHello(7000, "s", false))

	h := NewHello(7000, "s", true)
	assert.Equal(t, uint16(7000), h.AnnouncedPort())
	assert.True(t, h.IsBroadcast())
	assert.Equal(t, uint16(0), NewHello(DefaultPort, "s", false).AnnouncedPort())
}

func TestMessageTypeNames(t *testing.T) {
	assert.Equal(t, "hello_port_unicast", MsgHelloPortUnicast.String())
	assert.Equal(t, "transfer_cancel", MsgTransferCancel.String())
	assert.Equal(t, "invalid", MessageType(0x42).String())
}
