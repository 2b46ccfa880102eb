package telegram

import (
	"strings"
	"testing"
)

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**hello**", "<b>hello</b>"},
		{"italic", "*hello*", "<i>hello</i>"},
		{"strikethrough", "~~gone~~", "<s>gone</s>"},
		{"code span", "run `go build` now", "run <code>go build</code> now"},
		{"heading as bold", "# Title", "<b>Title</b>"},
		{"link", "[docs](https://example.com)", `<a href="https://example.com">docs</a>`},
		{"escapes angle brackets", "a < b > c", "a &lt; b &gt; c"},
		{"escapes ampersand", "fish & chips", "fish &amp; chips"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MarkdownToHTML(tt.in)
			if !strings.Contains(got, tt.want) {
				t.Errorf("MarkdownToHTML(%q) = %q, want to contain %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMarkdownToHTMLFencedCode(t *testing.T) {
	got := MarkdownToHTML("```go\nfmt.Println(\"<hi>\")\n```")
	if !strings.Contains(got, `<pre><code class="language-go">`) {
		t.Errorf("missing pre/code wrapper: %q", got)
	}
	if !strings.Contains(got, "&lt;hi&gt;") {
		t.Errorf("code content not escaped: %q", got)
	}
}

func TestMarkdownToHTMLCodeSpanProtectsMarkup(t *testing.T) {
	got := MarkdownToHTML("use `<b>not bold</b>` literally")
	if !strings.Contains(got, "<code>&lt;b&gt;not bold&lt;/b&gt;</code>") {
		t.Errorf("markup inside code span leaked: %q", got)
	}
}

func TestMarkdownToHTMLLists(t *testing.T) {
	got := MarkdownToHTML("- one\n- two")
	if !strings.Contains(got, "• one") || !strings.Contains(got, "• two") {
		t.Errorf("bullets = %q", got)
	}

	got = MarkdownToHTML("1. first\n2. second")
	if !strings.Contains(got, "1. first") || !strings.Contains(got, "2. second") {
		t.Errorf("ordered = %q", got)
	}
}

func TestMarkdownToHTMLRawHTMLEscaped(t *testing.T) {
	got := MarkdownToHTML("<script>alert(1)</script>")
	if strings.Contains(got, "<script>") {
		t.Errorf("raw html passed through: %q", got)
	}
}
