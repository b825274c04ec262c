package ipv6

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := [16]byte{0: 0xab, 15: 0x01}
	dst := [16]byte{0: 0xcd, 15: 0x02}
	raw := Encode(42, NextHeaderTCP, 64, src, dst)
	if len(raw) != HeaderLen {
		t.Fatalf("encoded length = %d, want %d", len(raw), HeaderLen)
	}

	h, rest, err := Decode(append(raw, []byte("payload")...))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.PayloadLength != 42 || h.NextHeader != NextHeaderTCP || h.HopLimit != 64 {
		t.Fatalf("decoded fields mismatch: %+v", h)
	}
	if h.Source != src || h.Destination != dst {
		t.Fatalf("decoded addresses mismatch")
	}
	if !bytes.Equal(rest, []byte("payload")) {
		t.Fatalf("rest = %q, want %q", rest, "payload")
	}
	if raw[0]>>4 != 6 {
		t.Fatalf("version nibble = %d, want 6", raw[0]>>4)
	}
	if raw[1] != 0 || raw[2] != 0 || raw[3] != 0 {
		t.Fatalf("traffic class / flow label not zero: %v", raw[1:4])
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, _, err := Decode(make([]byte, HeaderLen-1)); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestDecodeBadVersion(t *testing.T) {
	raw := Encode(0, NextHeaderTCP, 64, [16]byte{}, [16]byte{})
	raw[0] = 4 << 4
	if _, _, err := Decode(raw); err == nil {
		t.Fatalf("expected BadVersion error")
	} else if bv, ok := err.(ErrBadVersion); !ok || bv.Version != 4 {
		t.Fatalf("err = %v, want ErrBadVersion{4}", err)
	}
}
