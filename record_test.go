package kvdb

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodePutRoundTrip(t *testing.T) {
	line, err := encodePut("alpha", []byte("hello world"), 0)
	if err != nil {
		t.Fatalf("encodePut: %v", err)
	}
	rec, err := decodeRecord(line)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if rec.Key != "alpha" || rec.Del || !bytes.Equal(rec.Value, []byte("hello world")) || rec.Expiry != 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestEncodeDecodePutWithExpiry(t *testing.T) {
	line, err := encodePut("k", []byte("v"), 1234567890)
	if err != nil {
		t.Fatalf("encodePut: %v", err)
	}
	rec, err := decodeRecord(line)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if rec.Expiry != 1234567890 {
		t.Fatalf("expected expiry 1234567890, got %d", rec.Expiry)
	}
}

func TestEncodeDecodeDelRoundTrip(t *testing.T) {
	line, err := encodeDel("gone")
	if err != nil {
		t.Fatalf("encodeDel: %v", err)
	}
	rec, err := decodeRecord(line)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if rec.Key != "gone" || !rec.Del {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestValidateKeyRejectsForbiddenBytes(t *testing.T) {
	for _, key := range []string{"has\ttab", "has\nnewline", "has\x00nul", ""} {
		if _, err := encodePut(key, []byte("v"), 0); !errors.Is(err, ErrKeyInvalid) {
			t.Errorf("key %q: expected ErrKeyInvalid, got %v", key, err)
		}
	}
}

func TestDecodeRecordMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte("onlykey\n"),
		[]byte("key\tunknown\n"),
		[]byte("key\tput\tnot-base64!!!\n"),
		[]byte("key\tdel\textra\n"),
	}
	for _, c := range cases {
		if _, err := decodeRecord(c); !errors.Is(err, ErrMalformed) {
			t.Errorf("line %q: expected ErrMalformed, got %v", c, err)
		}
	}
}

func TestExpiredAt(t *testing.T) {
	if expiredAt(0, 100) {
		t.Error("expiry 0 (no ttl) must never be expired")
	}
	if !expiredAt(100, 100) {
		t.Error("expiry == now must be expired (I4: expiry <= now)")
	}
	if expiredAt(101, 100) {
		t.Error("expiry in the future must not be expired")
	}
}
