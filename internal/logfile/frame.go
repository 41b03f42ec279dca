package logfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/devrev/pairdb/changelog/internal/util"
)

// Frame layout:
//
//	[length u32][crc32c u32][kind u8][payload][length u32]
//
// The checksum covers kind and payload. The trailing length lets the
// boundary of a segment be read backwards without scanning it.
const (
	frameHeaderSize  = 9
	frameTrailerSize = 4
	frameOverhead    = frameHeaderSize + frameTrailerSize

	maxFramePayload = 64 << 20
	counterSize     = 8
)

type frameKind byte

const (
	frameRecord frameKind = 1
	// frameCounter is reserved for counter records and never carries parser output.
	frameCounter frameKind = 2
)

// errTornFrame marks bytes that do not form a complete, valid frame.
var errTornFrame = errors.New("torn or corrupt frame")

type frame struct {
	kind    frameKind
	payload []byte
}

func encodeFrame(kind frameKind, payload []byte) []byte {
	n := len(payload)
	buf := make([]byte, frameOverhead+n)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	buf[8] = byte(kind)
	copy(buf[frameHeaderSize:], payload)
	binary.BigEndian.PutUint32(buf[frameHeaderSize+n:], uint32(n))
	binary.BigEndian.PutUint32(buf[4:8], util.ComputeChecksum(buf[8:frameHeaderSize+n]))
	return buf
}

func encodeCounter(count int64) []byte {
	var b [counterSize]byte
	binary.BigEndian.PutUint64(b[:], uint64(count))
	return encodeFrame(frameCounter, b[:])
}

func decodeCounter(payload []byte) (int64, error) {
	if len(payload) != counterSize {
		return 0, fmt.Errorf("counter record has %d bytes, expected %d", len(payload), counterSize)
	}
	return int64(binary.BigEndian.Uint64(payload)), nil
}

// readFrameAt reads the frame starting at off. Bytes at or beyond limit are
// not considered part of the segment.
func readFrameAt(r io.ReaderAt, off, limit int64) (frame, int64, error) {
	if off+frameOverhead > limit {
		return frame{}, off, errTornFrame
	}
	var hdr [frameHeaderSize]byte
	if err := readFull(r, hdr[:], off); err != nil {
		return frame{}, off, err
	}
	n := int64(binary.BigEndian.Uint32(hdr[0:4]))
	if n > maxFramePayload || off+frameOverhead+n > limit {
		return frame{}, off, errTornFrame
	}
	kind := frameKind(hdr[8])
	if kind != frameRecord && kind != frameCounter {
		return frame{}, off, errTornFrame
	}

	body := make([]byte, n+frameTrailerSize)
	if err := readFull(r, body, off+frameHeaderSize); err != nil {
		return frame{}, off, err
	}
	if int64(binary.BigEndian.Uint32(body[n:])) != n {
		return frame{}, off, errTornFrame
	}
	if !util.ValidateChecksum(binary.BigEndian.Uint32(hdr[4:8]), hdr[8:9], body[:n]) {
		return frame{}, off, errTornFrame
	}
	return frame{kind: kind, payload: body[:n]}, off + frameOverhead + n, nil
}

// readFrameBefore reads the frame that ends exactly at end and returns its start.
func readFrameBefore(r io.ReaderAt, end int64) (frame, int64, error) {
	if end < frameOverhead {
		return frame{}, end, errTornFrame
	}
	var tr [frameTrailerSize]byte
	if err := readFull(r, tr[:], end-frameTrailerSize); err != nil {
		return frame{}, end, err
	}
	n := int64(binary.BigEndian.Uint32(tr[:]))
	start := end - frameOverhead - n
	if n > maxFramePayload || start < 0 {
		return frame{}, end, errTornFrame
	}
	fr, next, err := readFrameAt(r, start, end)
	if err != nil {
		return frame{}, end, err
	}
	if next != end {
		return frame{}, end, errTornFrame
	}
	return fr, start, nil
}

func readFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return errTornFrame
	}
	return err
}
