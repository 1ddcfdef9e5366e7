package jetstream

import (
	"errors"
	"strings"
	"testing"
)

func TestKeyEncodingRoundTrip(t *testing.T) {
	for _, k := range []string{"user:1", "a b/c", "ünïcode", "x.y>*", strings.Repeat("k", 200)} {
		enc := encodeKey(k)
		for _, r := range enc {
			ok := r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !ok {
				t.Fatalf("encoded key %q contains %q", enc, r)
			}
		}
		got, err := decodeKey(enc)
		if err != nil || got != k {
			t.Fatalf("round trip %q: got %q err=%v", k, got, err)
		}
	}
}

func TestDecodeForeignKey(t *testing.T) {
	if _, err := decodeKey("not base64!"); err == nil {
		t.Fatalf("expected error for foreign key")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNilBucket) {
		t.Fatalf("expected ErrNilBucket, got %v", err)
	}
}
