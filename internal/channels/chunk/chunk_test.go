package chunk

import (
	"strings"
	"testing"

	"github.com/loopgate/loopgate/pkg/models"
)

func TestSplitShortTextUnchanged(t *testing.T) {
	got := Split("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("got %v", got)
	}
}

func TestSplitEmpty(t *testing.T) {
	if got := Split("", 100); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 50) + "\n\n" + strings.Repeat("b", 50)
	got := Split(text, 80)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %v", len(got), got)
	}
	if got[0] != strings.Repeat("a", 50) {
		t.Errorf("first chunk = %q", got[0])
	}
	if got[1] != strings.Repeat("b", 50) {
		t.Errorf("second chunk = %q", got[1])
	}
}

func TestSplitFallsBackToNewlineThenSpace(t *testing.T) {
	text := strings.Repeat("a", 40) + "\n" + strings.Repeat("b", 40)
	got := Split(text, 60)
	if len(got) != 2 || got[0] != strings.Repeat("a", 40) {
		t.Errorf("newline split got %v", got)
	}

	text = strings.Repeat("a", 40) + " " + strings.Repeat("b", 40)
	got = Split(text, 60)
	if len(got) != 2 || got[0] != strings.Repeat("a", 40) {
		t.Errorf("space split got %v", got)
	}
}

func TestSplitHardCutWithoutWhitespace(t *testing.T) {
	text := strings.Repeat("x", 250)
	got := Split(text, 100)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for i, c := range got {
		if len(c) > 100 {
			t.Errorf("chunk %d length %d exceeds limit", i, len(c))
		}
	}
	if strings.Join(got, "") != text {
		t.Error("hard cut lost characters")
	}
}

func TestSplitEveryChunkWithinLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("A reasonably sized paragraph used for splitting checks.\n\n")
	}
	for _, c := range Split(b.String(), 500) {
		if len(c) > 500 {
			t.Fatalf("chunk length %d exceeds limit", len(c))
		}
	}
}

func TestLimitFor(t *testing.T) {
	if LimitFor(models.ChannelTelegram) != 4000 {
		t.Errorf("telegram limit = %d", LimitFor(models.ChannelTelegram))
	}
	if LimitFor(models.ChannelSlack) != 3000 {
		t.Errorf("slack limit = %d", LimitFor(models.ChannelSlack))
	}
	if LimitFor(models.ChannelDiscord) != 1990 {
		t.Errorf("discord limit = %d", LimitFor(models.ChannelDiscord))
	}
	if LimitFor(models.ChannelType("bogus")) != DefaultLimit {
		t.Errorf("unknown channel should use default")
	}
}

func TestForChannel(t *testing.T) {
	text := strings.Repeat("d", 3000)
	got := ForChannel(text, models.ChannelDiscord)
	if len(got) < 2 {
		t.Errorf("discord text over 1990 chars should split, got %d chunks", len(got))
	}
}
