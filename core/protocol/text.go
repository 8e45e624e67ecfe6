package protocol

import "unicode/utf8"

// TruncateText shortens s to at most TextBufferSize bytes without splitting
// a UTF-8 sequence.
func TruncateText(s string) string {
	return truncate(s, TextBufferSize)
}

// SplitText cuts s into chunks of at most TextBufferSize bytes each,
// breaking only on rune boundaries. An empty string yields no chunks.
func SplitText(s string) []string {
	var out []string
	for len(s) > 0 {
		chunk := truncate(s, TextBufferSize)
		if chunk == "" {
			// a single rune wider than the buffer cannot happen for valid
			// UTF-8, but never loop forever on bad input
			chunk = s[:min(len(s), TextBufferSize)]
		}
		out = append(out, chunk)
		s = s[len(chunk):]
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
