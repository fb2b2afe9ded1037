package audio

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame := []byte{0x01, 0x02, 0x03, 0x7f, 0x80, 0xff}
	got, err := DecodePCM16(EncodePCM16(frame))
	if err != nil {
		t.Fatalf("DecodePCM16() error = %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("round trip = %v, want %v", got, frame)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	if _, err := DecodePCM16("not base64!!"); err == nil {
		t.Fatalf("expected decode error")
	}
}

// Concatenating decoded deltas must reproduce the upstream byte stream exactly,
// with no per-chunk state leaking between calls.
func TestDecodePreservesConcatenationOrder(t *testing.T) {
	chunks := [][]byte{
		{0x00, 0x01},
		{0x02, 0x03, 0x04},
		{0x05},
	}
	var want, got []byte
	for _, c := range chunks {
		want = append(want, c...)
		decoded, err := DecodePCM16(EncodePCM16(c))
		if err != nil {
			t.Fatalf("DecodePCM16() error = %v", err)
		}
		got = append(got, decoded...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("concatenated = %v, want %v", got, want)
	}
}
