//go:build linux

package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatten(bufs [][]byte) []byte {
	var out []byte
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// TestEncodeRequestLayout tests the exact byte layout of a request frame
func TestEncodeRequestLayout(t *testing.T) {
	m := &Message{Kind: KindRequest, Command: 7, Sequence: 1, Body: []byte("hello")}
	bufs, err := encodeFrame(m, DefaultMaxBody)
	require.NoError(t, err)

	want := []byte{
		0x01,                   // kind
		0x00, 0x00, 0x00, 0x07, // command
		0x00, 0x00, 0x00, 0x01, // sequence
		0x00, 0x00, 0x00, 0x05, // body length
		'h', 'e', 'l', 'l', 'o',
	}
	assert.Equal(t, want, flatten(bufs))
}

// TestEncodeResponseLayout tests the status fields of a response frame
func TestEncodeResponseLayout(t *testing.T) {
	m := &Message{
		Kind:       KindResponse,
		Command:    7,
		Sequence:   3,
		Status:     200,
		StatusText: "ok",
		Body:       []byte("x"),
	}
	bufs, err := encodeFrame(m, DefaultMaxBody)
	require.NoError(t, err)

	want := []byte{
		0x02,
		0x00, 0x00, 0x00, 0x07,
		0x00, 0x00, 0x00, 0x03,
		0x00, 0x00, 0x00, 0xc8, // status 200
		0x00, 0x02, // status text length
		'o', 'k',
		0x00, 0x00, 0x00, 0x01,
		'x',
	}
	assert.Equal(t, want, flatten(bufs))
}

// TestEncodeNotifyZeroesSequence tests that notify frames carry sequence
// zero regardless of the struct value
func TestEncodeNotifyZeroesSequence(t *testing.T) {
	m := &Message{Kind: KindNotify, Command: 9, Sequence: 42}
	bufs, err := encodeFrame(m, DefaultMaxBody)
	require.NoError(t, err)

	flat := flatten(bufs)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, flat[5:9])
}

// TestEncodeRejectsOversizeBody tests the body bound
func TestEncodeRejectsOversizeBody(t *testing.T) {
	m := &Message{Kind: KindRequest, Command: 1, Body: make([]byte, 64)}
	_, err := encodeFrame(m, 32)
	assert.ErrorIs(t, err, ErrProtocol)
}

// TestEncodeRejectsUnknownKind tests the kind check
func TestEncodeRejectsUnknownKind(t *testing.T) {
	m := &Message{Kind: Kind(0x7f), Command: 1}
	_, err := encodeFrame(m, DefaultMaxBody)
	assert.ErrorIs(t, err, ErrProtocol)
}

// TestOptionsNormalize tests the max-body clamp
func TestOptionsNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   uint32
		want uint32
	}{
		{name: "default", in: 0, want: DefaultMaxBody},
		{name: "explicit", in: 1024, want: 1024},
		{name: "over hard cap", in: 64 << 20, want: HardMaxBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Options{MaxBody: tt.in}
			o.normalize()
			assert.Equal(t, tt.want, o.MaxBody)
		})
	}
}

// TestNewResponseEchoesCorrelation tests command and sequence echo
func TestNewResponseEchoesCorrelation(t *testing.T) {
	req := &Message{Kind: KindRequest, Command: 11, Sequence: 99}
	resp := NewResponse(req, 404, "missing", nil)
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, uint32(11), resp.Command)
	assert.Equal(t, uint32(99), resp.Sequence)
}
