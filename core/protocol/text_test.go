package protocol

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateText(t *testing.T) {
	short := "hello"
	if got := TruncateText(short); got != short {
		t.Errorf("TruncateText(%q) = %q", short, got)
	}

	// 'ü' is two bytes; place one across the limit
	s := strings.Repeat("a", TextBufferSize-1) + "ü"
	got := TruncateText(s)
	if len(got) != TextBufferSize-1 {
		t.Errorf("len(TruncateText()) = %d, want %d", len(got), TextBufferSize-1)
	}
	if !utf8.ValidString(got) {
		t.Error("TruncateText() produced invalid UTF-8")
	}
}

func TestSplitText(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantChunks int
	}{
		{"empty", "", 0},
		{"short", "Hi", 1},
		{"exact", strings.Repeat("x", TextBufferSize), 1},
		{"remainder kept", strings.Repeat("x", TextBufferSize+1), 2},
		{"multibyte", strings.Repeat("ö", TextBufferSize), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := SplitText(tt.in)
			if len(chunks) != tt.wantChunks {
				t.Fatalf("SplitText() = %d chunks, want %d", len(chunks), tt.wantChunks)
			}
			if strings.Join(chunks, "") != tt.in {
				t.Error("chunks do not reassemble to the input")
			}
			for i, c := range chunks {
				if len(c) > TextBufferSize {
					t.Errorf("chunk %d is %d bytes", i, len(c))
				}
				if !utf8.ValidString(c) {
					t.Errorf("chunk %d is not valid UTF-8", i)
				}
			}
		})
	}
}
