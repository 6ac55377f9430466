//go:build linux

package rpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/roostlabs/roost/pkg/socket"
)

// Frame layout, big-endian:
//
//	1  kind
//	4  command
//	4  sequence (zero for notify)
//	4  status        } responses only
//	2  status length }
//	n  status text   }
//	4  body length
//	n  body
//
// There is no version byte; peers agree on the framing out of band.

func encodeFrame(m *Message, maxBody uint32) ([][]byte, error) {
	if len(m.Body) > int(maxBody) {
		return nil, fmt.Errorf("%w: body %d exceeds max %d", ErrProtocol, len(m.Body), maxBody)
	}
	switch m.Kind {
	case KindRequest, KindResponse, KindNotify:
	default:
		return nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrProtocol, uint8(m.Kind))
	}
	if len(m.StatusText) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: status text too long", ErrProtocol)
	}

	size := 1 + 4 + 4 + 4
	if m.Kind == KindResponse {
		size += 4 + 2 + len(m.StatusText)
	}
	hdr := make([]byte, 0, size)
	hdr = append(hdr, byte(m.Kind))
	hdr = binary.BigEndian.AppendUint32(hdr, m.Command)
	seq := m.Sequence
	if m.Kind == KindNotify {
		seq = 0
	}
	hdr = binary.BigEndian.AppendUint32(hdr, seq)
	if m.Kind == KindResponse {
		hdr = binary.BigEndian.AppendUint32(hdr, m.Status)
		hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(m.StatusText)))
		hdr = append(hdr, m.StatusText...)
	}
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(m.Body)))

	if len(m.Body) == 0 {
		return [][]byte{hdr}, nil
	}
	return [][]byte{hdr, m.Body}, nil
}

// readFrame reads exactly one message from the socket, suspending the
// current task between partial reads.
func readFrame(ctx context.Context, sock socket.Conn, maxBody uint32) (*Message, error) {
	var fixed [9]byte
	if err := readFull(ctx, sock, fixed[:]); err != nil {
		return nil, err
	}
	m := &Message{
		Kind:     Kind(fixed[0]),
		Command:  binary.BigEndian.Uint32(fixed[1:5]),
		Sequence: binary.BigEndian.Uint32(fixed[5:9]),
	}
	switch m.Kind {
	case KindRequest, KindNotify:
	case KindResponse:
		var sh [6]byte
		if err := readFull(ctx, sock, sh[:]); err != nil {
			return nil, err
		}
		m.Status = binary.BigEndian.Uint32(sh[0:4])
		if n := binary.BigEndian.Uint16(sh[4:6]); n > 0 {
			st := make([]byte, n)
			if err := readFull(ctx, sock, st); err != nil {
				return nil, err
			}
			m.StatusText = string(st)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrProtocol, fixed[0])
	}

	var bl [4]byte
	if err := readFull(ctx, sock, bl[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(bl[:])
	if n > maxBody {
		return nil, fmt.Errorf("%w: body %d exceeds max %d", ErrProtocol, n, maxBody)
	}
	if n > 0 {
		m.Body = make([]byte, n)
		if err := readFull(ctx, sock, m.Body); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func readFull(ctx context.Context, sock socket.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := sock.Recv(ctx, p)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrClosed
		}
		p = p[n:]
	}
	return nil
}

// writevAll sends every buffer, re-issuing the vector past short writes.
func writevAll(ctx context.Context, sock socket.Conn, iovs [][]byte) error {
	for len(iovs) > 0 {
		n, err := sock.Writev(ctx, iovs)
		if err != nil {
			return err
		}
		for n > 0 && len(iovs) > 0 {
			if n >= len(iovs[0]) {
				n -= len(iovs[0])
				iovs = iovs[1:]
				continue
			}
			iovs[0] = iovs[0][n:]
			n = 0
		}
	}
	return nil
}
