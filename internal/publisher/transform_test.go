package publisher

import (
	"strings"
	"testing"
)

func TestTransformAppendsMissingHashtags(t *testing.T) {
	out := Transform("twitter", "short update")
	if !strings.HasSuffix(out, " #insights") {
		t.Fatalf("expected mandatory hashtag appended, got %q", out)
	}
}

func TestTransformKeepsExistingHashtags(t *testing.T) {
	in := "already tagged #Insights here"
	out := Transform("twitter", in)
	if out != in {
		t.Fatalf("content with tag present should be unchanged, got %q", out)
	}
	if strings.Count(strings.ToLower(out), "#insights") != 1 {
		t.Fatalf("hashtag duplicated: %q", out)
	}
}

func TestTransformTruncatesAtPlatformLimit(t *testing.T) {
	long := strings.Repeat("word ", 100) // 500 chars
	out := Transform("twitter", long)
	if n := len([]rune(out)); n > 280 {
		t.Fatalf("twitter output %d runes, want <= 280", n)
	}
	if !strings.HasSuffix(out, "#insights") {
		t.Fatalf("hashtags must survive truncation, got %q", out)
	}
	// No split words: every token before the suffix must be a full "word".
	body := strings.TrimSuffix(out, " #insights")
	for _, tok := range strings.Fields(body) {
		if tok != "word" {
			t.Fatalf("word split during truncation: %q", tok)
		}
	}
}

func TestTransformIsDeterministic(t *testing.T) {
	in := strings.Repeat("alpha beta ", 300)
	first := Transform("linkedin", in)
	for i := 0; i < 5; i++ {
		if got := Transform("linkedin", in); got != first {
			t.Fatal("transform output changed between identical calls")
		}
	}
	if n := len([]rune(first)); n > 3000 {
		t.Fatalf("linkedin output %d runes, want <= 3000", n)
	}
}

func TestTransformUnknownPlatformUsesDefaultLimit(t *testing.T) {
	in := strings.Repeat("x ", 3000)
	out := Transform("mastodon", in)
	if n := len([]rune(out)); n > defaultLimit {
		t.Fatalf("default-limit output %d runes, want <= %d", n, defaultLimit)
	}
}
