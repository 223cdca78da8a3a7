// Package audio converts between float32 sample buffers and the base64-framed
// 16-bit PCM representation used on both legs of the relay: the browser client
// ships microphone samples as base64 PCM16, and the Realtime provider streams
// synthesized speech back in the same framing.
//
// All samples are little-endian signed 16-bit mono. Float samples are in
// [-1.0, 1.0]; values outside that range are clipped, never wrapped. The
// scale factor is 32767 in both directions so that EncodePCM16/DecodePCM16
// round-trip within 1/32767 per sample.
package audio

import (
	"encoding/base64"
	"log/slog"
)

// pcmScale is the int16 full-scale factor applied on encode and decode.
const pcmScale = 32767

// EncodePCM16 clips each sample to [-1, 1], scales to signed 16-bit
// little-endian PCM, and base64-encodes the result. An empty input encodes to
// the empty string; callers must skip empty frames rather than send them
// upstream.
func EncodePCM16(samples []float32) string {
	if len(samples) == 0 {
		return ""
	}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		v := int16(s * pcmScale)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodePCM16 reverses [EncodePCM16]: base64-decode, reinterpret as
// little-endian int16, scale back to floats. Malformed base64 yields an empty
// slice and a logged warning — never an error. A trailing odd byte is dropped.
func DecodePCM16(encoded string) []float32 {
	if encoded == "" {
		return nil
	}
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		slog.Warn("audio: malformed base64 in PCM frame, dropping", "len", len(encoded), "err", err)
		return nil
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(v) / pcmScale
	}
	return samples
}

// Gain multiplies every sample by factor in place and returns the slice.
// Clipping is left to [EncodePCM16]. A factor of 1 is a no-op.
func Gain(samples []float32, factor float32) []float32 {
	if factor == 1 {
		return samples
	}
	for i := range samples {
		samples[i] *= factor
	}
	return samples
}
