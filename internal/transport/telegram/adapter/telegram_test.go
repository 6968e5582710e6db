package adapter

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSplitTextShortIsUntouched(t *testing.T) {
	t.Parallel()
	got := splitText("У вас проверили работу", textLimit)
	if len(got) != 1 || got[0] != "У вас проверили работу" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("ж", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")
	chunks := splitText(text, 70)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d: %q", len(chunks), chunks)
	}
	if chunks[0] != line+"\n"+line || chunks[1] != line+"\n"+line {
		t.Fatalf("chunks = %q", chunks)
	}
}

func TestSplitTextHardCut(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("я", 250)
	chunks := splitText(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		n := utf8.RuneCountInString(c)
		if n > 100 {
			t.Fatalf("chunk of %d runes exceeds limit", n)
		}
		total += n
	}
	if total != 250 {
		t.Fatalf("lost runes: %d", total)
	}
}

func TestClientTimeoutCoversPollAndRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{name: "defaults", cfg: Config{}, want: 25 * time.Second},
		{name: "custom", cfg: Config{PollTimeout: 30 * time.Second, RequestTimeout: 5 * time.Second}, want: 35 * time.Second},
		{name: "negative falls back", cfg: Config{PollTimeout: -1, RequestTimeout: -1}, want: 25 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := clientTimeout(tt.cfg); got != tt.want {
				t.Fatalf("clientTimeout = %v, want %v", got, tt.want)
			}
		})
	}
}
