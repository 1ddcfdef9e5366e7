package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func TestRecordRoundTrip(t *testing.T) {
	exp := time.Unix(1_700_000_000, 123)
	cases := []Record{
		{Version: 1},
		{Version: 42, Payload: []byte("hello"), ExpiresAt: exp},
		{Version: math.MaxUint64, Payload: []byte{0, 1, 2}, ExpiresAt: exp, LockUntil: exp.Add(time.Second)},
	}
	for _, tc := range cases {
		got, err := Decode(Encode(tc))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Version != tc.Version || !bytes.Equal(got.Payload, tc.Payload) {
			t.Fatalf("got %+v want %+v", got, tc)
		}
		if !got.ExpiresAt.Equal(tc.ExpiresAt) || !got.LockUntil.Equal(tc.LockUntil) {
			t.Fatalf("times: got %v/%v want %v/%v", got.ExpiresAt, got.LockUntil, tc.ExpiresAt, tc.LockUntil)
		}
	}
}

func TestZeroTimesStayZero(t *testing.T) {
	r, err := Decode(Encode(Record{Version: 3, Payload: []byte("x")}))
	if err != nil {
		t.Fatal(err)
	}
	if !r.ExpiresAt.IsZero() || !r.LockUntil.IsZero() {
		t.Fatalf("expected zero times, got %v %v", r.ExpiresAt, r.LockUntil)
	}
	now := time.Now()
	if r.Expired(now) || r.Locked(now) {
		t.Fatalf("zero times must not expire or lock")
	}
}

func TestExpiredAndLocked(t *testing.T) {
	now := time.Unix(100, 0)
	r := Record{ExpiresAt: now, LockUntil: now.Add(time.Second)}
	if !r.Expired(now) {
		t.Fatalf("expiry is inclusive")
	}
	if !r.Locked(now) || r.Locked(now.Add(time.Second)) {
		t.Fatalf("lock window wrong")
	}
}

func TestDecodeRejectsCorrupt(t *testing.T) {
	enc := Encode(Record{Version: 1, Payload: []byte("abc")})

	cases := map[string][]byte{
		"short":     enc[:headerLen-1],
		"trailing":  append(append([]byte(nil), enc...), 0xDE, 0xAD),
		"truncated": enc[:len(enc)-1],
	}
	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	cases["magic"] = badMagic

	badVer := append([]byte(nil), enc...)
	badVer[4] = 9
	cases["format_version"] = badVer

	badLen := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(badLen[headerLen-4:headerLen], math.MaxUint32)
	cases["length_overflow"] = badLen

	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(b); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}
