package audio

// Reconstruct decodes an ordered sequence of base64 PCM16 fragments and
// concatenates them into one contiguous sample buffer, preserving input order.
// Fragments that decode to zero length (empty or corrupt) are skipped. If
// every fragment is invalid, or fragments is empty, the result is empty —
// callers treat that as "nothing to play", not an error.
//
// Reconstruct is pure: it holds no state between calls. The caller owns the
// fragment sequence lifecycle (accumulate, then drain-and-reset on the
// terminal done signal).
func Reconstruct(fragments []string) []float32 {
	if len(fragments) == 0 {
		return nil
	}

	decoded := make([][]float32, 0, len(fragments))
	total := 0
	for _, f := range fragments {
		samples := DecodePCM16(f)
		if len(samples) == 0 {
			continue
		}
		decoded = append(decoded, samples)
		total += len(samples)
	}
	if total == 0 {
		return nil
	}

	out := make([]float32, 0, total)
	for _, d := range decoded {
		out = append(out, d...)
	}
	return out
}
