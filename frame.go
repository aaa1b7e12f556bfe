package dempsy

import (
	"encoding/binary"
	"fmt"
	"io"
)

// sizeSentinel is the int16 value that flags "the real size follows as a
// big-endian int32" (spec §6.1).
const sizeSentinel = -1

// maxShortFrame is the largest payload size representable in the short
// (int16) form. 32768 and above must use the sentinel + int32 long form.
const maxShortFrame = 32767

// EncodeFrame writes payload as a length-prefixed frame per spec §6.1: a
// big-endian int16 size, or -1 followed by a big-endian int32 size for
// payloads larger than maxShortFrame.
func EncodeFrame(w io.Writer, payload []byte) error {
	n := len(payload)
	if n <= 0 {
		return fmt.Errorf("%w: empty payload", ErrCorruptFrame)
	}
	var header []byte
	if n <= maxShortFrame {
		header = make([]byte, 2)
		binary.BigEndian.PutUint16(header, uint16(n))
	} else {
		header = make([]byte, 6)
		var sentinel int16 = sizeSentinel
		binary.BigEndian.PutUint16(header[0:2], uint16(sentinel))
		binary.BigEndian.PutUint32(header[2:6], uint32(n))
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// DecodeFrame implements the per-connection frame decoding state machine
// of spec §4.1: read the int16 size, follow the sentinel to an int32 size
// if needed, validate 0 < size <= maxMessageSize, then read exactly that
// many further bytes. Any negative size other than the sentinel -1 is
// treated as CorruptFrame per the Open Question resolution in spec §9.
//
// DecodeFrame allocates its own buffer; FramedReceiver.handleConn reads
// frames inline into a per-connection pooled buffer instead, but the two
// share the same size reading and validation (readFrameSize,
// validateFrameSize).
func DecodeFrame(r io.Reader, maxMessageSize int) ([]byte, error) {
	size, err := readFrameSize(r)
	if err != nil {
		return nil, err
	}
	if err := validateFrameSize(size, maxMessageSize); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrPeerClosed
		}
		return nil, err
	}
	return buf, nil
}

func readFrameSize(r io.Reader) (int, error) {
	var shortBuf [2]byte
	if _, err := io.ReadFull(r, shortBuf[:]); err != nil {
		if err == io.EOF {
			return 0, ErrPeerClosed
		}
		return 0, err
	}
	short := int16(binary.BigEndian.Uint16(shortBuf[:]))
	if short != sizeSentinel {
		return int(short), nil
	}
	var longBuf [4]byte
	if _, err := io.ReadFull(r, longBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, ErrPeerClosed
		}
		return 0, err
	}
	return int(binary.BigEndian.Uint32(longBuf[:])), nil
}

// validateFrameSize enforces 0 < size <= maxMessageSize (spec §4.1 step 3).
func validateFrameSize(size, maxMessageSize int) error {
	if size <= 0 || size > maxMessageSize {
		return fmt.Errorf("%w: size %d out of bounds (0, %d]", ErrCorruptFrame, size, maxMessageSize)
	}
	return nil
}
