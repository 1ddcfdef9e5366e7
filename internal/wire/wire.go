// Package wire frames stored records for byte stores that have no native
// notion of versions, expiry or locks (bolt, bigcache).
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	formatVersion byte = 1
	headerLen          = 4 + 1 + 8 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("kvcache: corrupt record")
	magic4     = [...]byte{'K', 'V', 'C', 'R'}
)

// Record is one stored entry. Zero times mean "none".
type Record struct {
	Version   uint64
	ExpiresAt time.Time
	LockUntil time.Time
	Payload   []byte
}

// Expired reports whether r is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Locked reports whether r holds an unexpired lock at now.
func (r Record) Locked(now time.Time) bool {
	return !r.LockUntil.IsZero() && now.Before(r.LockUntil)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Encode: magic(4) | ver(1) | version(u64 be) | expiresAt(i64 be, unix ns) | lockUntil(i64 be) | vlen(u32 be) | payload(vlen)
func Encode(r Record) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(r.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(formatVersion)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], r.Version)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(unixNano(r.ExpiresAt)))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(unixNano(r.LockUntil)))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(r.Payload)))
	buf.Write(u4[:])

	buf.Write(r.Payload)
	return buf.Bytes()
}

// Decode parses a record. Payload aliases b.
func Decode(b []byte) (Record, error) {
	if len(b) < headerLen || !bytes.Equal(b[:4], magic4[:]) || b[4] != formatVersion {
		return Record{}, ErrCorrupt
	}
	off := 5

	var r Record
	r.Version = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	r.ExpiresAt = fromUnixNano(int64(binary.BigEndian.Uint64(b[off : off+8])))
	off += 8
	r.LockUntil = fromUnixNano(int64(binary.BigEndian.Uint64(b[off : off+8])))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // trailing bytes are corruption too
		return Record{}, ErrCorrupt
	}
	r.Payload = b[off : off+vlen]
	return r, nil
}
