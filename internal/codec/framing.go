package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameMode selects whether ReadFrame/WriteFrame prepend/consume the
// 32-bit length prefix. Multiprocess workers are framed; a single-process
// in-thread worker hands over an already-framed buffer directly (spec.md
// §4.1) and is configured with ModeDirect. The mode is fixed for the
// lifetime of a Channel.
type FrameMode int

const (
	ModeFramed FrameMode = iota
	ModeDirect
)

// WriteFrame writes one encoded record to w, prefixed with its 4-byte
// little-endian length when mode == ModeFramed.
func WriteFrame(w io.Writer, mode FrameMode, body []byte) error {
	if len(body)+4 > MaxMessageSize {
		return ErrTooLarge
	}
	if mode == ModeFramed {
		prefix := FrameLen(len(body))
		if _, err := w.Write(prefix[:]); err != nil {
			return err
		}
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one framed record's body from r. Only ModeFramed is
// supported; any other mode returns an error, since direct mode hands
// already-delimited buffers over by call (Channel.Deliver) rather than
// through a stream.
func ReadFrame(r *bufio.Reader, mode FrameMode) ([]byte, error) {
	if mode != ModeFramed {
		return nil, fmt.Errorf("codec: ReadFrame requires ModeFramed; direct mode hands over buffers by call")
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if int(size)+4 > MaxMessageSize {
		// Drain and drop per spec.md §4.1: oversized messages never reach
		// the channel. We still must consume the bytes to keep the stream
		// in sync, or give up if that's not feasible.
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			return nil, err
		}
		return nil, ErrTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
