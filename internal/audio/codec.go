package audio

import (
	"encoding/base64"
	"fmt"
)

// FormatPCM16 is the only frame encoding the relay moves around. Sample rates
// are declared per direction by the session profile, never negotiated here.
const FormatPCM16 = "pcm16"

// EncodePCM16 converts a binary PCM16LE frame into the base64 text form the
// upstream JSON protocol requires. It is stateless and order-preserving; the
// caller owns accumulation.
func EncodePCM16(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodePCM16 converts a base64 text frame back into raw PCM16LE bytes.
func DecodePCM16(encoded string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode pcm16 frame: %w", err)
	}
	return pcm, nil
}
