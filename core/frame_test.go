package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder logs every callback as a line of text.
type recorder struct {
	calls []string
	data  strings.Builder
	err   error
}

func (r *recorder) OnStreamHeader(elements, totalSize int64) error {
	r.calls = append(r.calls, fmt.Sprintf("header %d %d", elements, totalSize))
	return r.err
}

func (r *recorder) OnElement(name string, size int64) error {
	r.calls = append(r.calls, fmt.Sprintf("element %s %d", name, size))
	return nil
}

func (r *recorder) OnElementData(p []byte) error {
	r.data.Write(p)
	return nil
}

func (r *recorder) OnElementEnd() error {
	r.calls = append(r.calls, "end "+r.data.String())
	r.data.Reset()
	return nil
}

func sampleStream() []byte {
	b := AppendStreamHeader(nil, 3, 7)
	b = AppendElementHeader(b, "docs", FolderSize)
	b = AppendElementHeader(b, "docs/a.txt", 5)
	b = append(b, "hello"...)
	b = AppendElementHeader(b, TextSentinel, 2)
	b = append(b, "hi"...)
	return b
}

var sampleCalls = []string{
	"header 3 7",
	"element docs -1",
	"end ",
	"element docs/a.txt 5",
	"end hello",
	"element " + TextSentinel + " 2",
	"end hi",
}

func TestFrameParserWholeStream(t *testing.T) {
	rec := &recorder{}
	p := NewFrameParser(rec)

	stream := sampleStream()
	n, err := p.Feed(stream)
	require.NoError(t, err)

	assert.Equal(t, len(stream), n)
	assert.True(t, p.Done())
	assert.Equal(t, int64(0), p.Remaining())
	assert.Equal(t, sampleCalls, rec.calls)
}

func TestFrameParserByteAtATime(t *testing.T) {
	rec := &recorder{}
	p := NewFrameParser(rec)

	for _, c := range sampleStream() {
		_, err := p.Feed([]byte{c})
		require.NoError(t, err)
	}

	assert.True(t, p.Done())
	assert.Equal(t, sampleCalls, rec.calls)
}

func TestFrameParserSplitIntegers(t *testing.T) {
	rec := &recorder{}
	p := NewFrameParser(rec)

	stream := sampleStream()
	for len(stream) > 0 {
		n := min(3, len(stream))
		_, err := p.Feed(stream[:n])
		require.NoError(t, err)
		stream = stream[n:]
	}

	assert.Equal(t, sampleCalls, rec.calls)
}

func TestFrameParserEmptyTransfer(t *testing.T) {
	rec := &recorder{}
	p := NewFrameParser(rec)

	stream := append(AppendStreamHeader(nil, 0, 0), "trailing"...)
	n, err := p.Feed(stream)
	require.NoError(t, err)

	assert.True(t, p.Done())
	assert.Equal(t, 16, n)
	assert.Equal(t, []string{"header 0 0"}, rec.calls)
}

func TestFrameParserZeroByteFile(t *testing.T) {
	rec := &recorder{}
	p := NewFrameParser(rec)

	b := AppendStreamHeader(nil, 1, 0)
	b = AppendElementHeader(b, "empty.txt", 0)

	_, err := p.Feed(b)
	require.NoError(t, err)
	assert.True(t, p.Done())
	assert.Equal(t, []string{"header 1 0", "element empty.txt 0", "end "}, rec.calls)
}

func TestFrameParserStopsAfterLastElement(t *testing.T) {
	rec := &recorder{}
	p := NewFrameParser(rec)

	stream := sampleStream()
	n, err := p.Feed(append(stream, 0xde, 0xad))
	require.NoError(t, err)
	assert.Equal(t, len(stream), n)
}

func TestFrameParserErrors(t *testing.T) {
	tests := []struct {
		name    string
		stream  []byte
		wantErr error
	}{
		{
			name:    "negative element count",
			stream:  AppendStreamHeader(nil, -1, 0),
			wantErr: ErrProtocol,
		},
		{
			name:    "negative total size",
			stream:  AppendStreamHeader(nil, 1, -5),
			wantErr: ErrProtocol,
		},
		{
			name:    "size below folder marker",
			stream:  AppendElementHeader(AppendStreamHeader(nil, 1, 0), "x", -2),
			wantErr: ErrProtocol,
		},
		{
			name:    "empty name",
			stream:  AppendElementHeader(AppendStreamHeader(nil, 1, 0), "", 0),
			wantErr: ErrProtocol,
		},
		{
			name:    "text sentinel as folder",
			stream:  AppendElementHeader(AppendStreamHeader(nil, 1, 0), TextSentinel, FolderSize),
			wantErr: ErrProtocol,
		},
		{
			name:    "invalid utf8 name",
			stream:  append(AppendStreamHeader(nil, 1, 0), 0xff, 0x00),
			wantErr: ErrInvalidUTF8,
		},
		{
			name:    "name without terminator",
			stream:  append(AppendStreamHeader(nil, 1, 0), strings.Repeat("x", MaxElementName+1)...),
			wantErr: ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewFrameParser(&recorder{})
			_, err := p.Feed(tt.stream)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFrameParserTwoGiBElement(t *testing.T) {
	const size = int64(1) << 31

	rec := &recorder{}
	p := NewFrameParser(rec)

	b := AppendStreamHeader(nil, 1, size)
	b = AppendElementHeader(b, "disk.img", size)
	b = append(b, "head"...)

	n, err := p.Feed(b)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)

	assert.Equal(t, []string{"header 1 2147483648", "element disk.img 2147483648"}, rec.calls)
	assert.Equal(t, "head", rec.data.String())
	assert.False(t, p.Done())
	assert.Equal(t, int64(1), p.Remaining())
	assert.Equal(t, size-4, p.remaining)
}

func TestFrameParserHandlerError(t *testing.T) {
	boom := errors.New("boom")
	p := NewFrameParser(&recorder{err: boom})

	_, err := p.Feed(sampleStream())
	assert.ErrorIs(t, err, boom)
	assert.False(t, p.Done())
}

func TestFrameStateNames(t *testing.T) {
	assert.Equal(t, "read_total_elements", stateTotalElements.String())
	assert.Equal(t, "read_element_data", stateElementData.String())
	assert.Equal(t, "done", stateDone.String())
}
