package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// CSN is a change sequence number. CSNs are totally ordered by timestamp,
// then sequence number, then server id.
type CSN struct {
	Timestamp int64 // milliseconds since epoch
	SeqNum    int32
	ServerID  int32
}

// csnStringLen is the length of the hex rendering produced by String.
const csnStringLen = 32

// NewCSN builds a CSN from its parts.
func NewCSN(timestamp int64, seqNum, serverID int32) CSN {
	return CSN{Timestamp: timestamp, SeqNum: seqNum, ServerID: serverID}
}

// MaxCSN sorts after every CSN.
func MaxCSN() CSN {
	return CSN{Timestamp: math.MaxInt64, SeqNum: math.MaxInt32, ServerID: math.MaxInt32}
}

// Compare returns -1, 0 or +1.
func (c CSN) Compare(other CSN) int {
	switch {
	case c.Timestamp < other.Timestamp:
		return -1
	case c.Timestamp > other.Timestamp:
		return 1
	case c.SeqNum < other.SeqNum:
		return -1
	case c.SeqNum > other.SeqNum:
		return 1
	case c.ServerID < other.ServerID:
		return -1
	case c.ServerID > other.ServerID:
		return 1
	}
	return 0
}

func (c CSN) IsZero() bool {
	return c == CSN{}
}

func (c CSN) Older(other CSN) bool {
	return c.Compare(other) < 0
}

func (c CSN) Newer(other CSN) bool {
	return c.Compare(other) > 0
}

// String renders the CSN as fixed width hex so that lexical order matches
// CSN order for non-negative fields.
func (c CSN) String() string {
	return fmt.Sprintf("%016x%08x%08x", uint64(c.Timestamp), uint32(c.SeqNum), uint32(c.ServerID))
}

// ParseCSN parses the form produced by String.
func ParseCSN(s string) (CSN, error) {
	if len(s) != csnStringLen {
		return CSN{}, fmt.Errorf("invalid CSN %q: expected %d hex characters", s, csnStringLen)
	}
	ts, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid CSN timestamp %q: %w", s[:16], err)
	}
	seq, err := strconv.ParseUint(s[16:24], 16, 32)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid CSN sequence %q: %w", s[16:24], err)
	}
	sid, err := strconv.ParseUint(s[24:], 16, 32)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid CSN server id %q: %w", s[24:], err)
	}
	return CSN{Timestamp: int64(ts), SeqNum: int32(seq), ServerID: int32(sid)}, nil
}

// csnBytesLen is the length of the binary form produced by Bytes.
const csnBytesLen = 16

// Bytes returns a fixed 16 byte big endian encoding.
func (c CSN) Bytes() []byte {
	b := make([]byte, csnBytesLen)
	binary.BigEndian.PutUint64(b[0:8], uint64(c.Timestamp))
	binary.BigEndian.PutUint32(b[8:12], uint32(c.SeqNum))
	binary.BigEndian.PutUint32(b[12:16], uint32(c.ServerID))
	return b
}

// CSNFromBytes decodes the form produced by Bytes.
func CSNFromBytes(b []byte) (CSN, error) {
	if len(b) != csnBytesLen {
		return CSN{}, fmt.Errorf("invalid CSN encoding: %d bytes, expected %d", len(b), csnBytesLen)
	}
	return CSN{
		Timestamp: int64(binary.BigEndian.Uint64(b[0:8])),
		SeqNum:    int32(binary.BigEndian.Uint32(b[8:12])),
		ServerID:  int32(binary.BigEndian.Uint32(b[12:16])),
	}, nil
}

// ChangeNumber is the dense global sequence assigned by the change number index.
type ChangeNumber int64

func (n ChangeNumber) Compare(other ChangeNumber) int {
	switch {
	case n < other:
		return -1
	case n > other:
		return 1
	}
	return 0
}

func (n ChangeNumber) String() string {
	return strconv.FormatInt(int64(n), 10)
}
