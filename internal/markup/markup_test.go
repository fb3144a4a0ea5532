package markup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func convert(t *testing.T, md string) string {
	t.Helper()
	out, err := Convert(md)
	require.NoError(t, err)
	return out
}

func TestPlainTextPassesThrough(t *testing.T) {
	assert.Equal(t, "just some text", convert(t, "just some text"))
}

func TestEscapesHTMLSpecials(t *testing.T) {
	assert.Equal(t, "a &lt;tag&gt; &amp; more", convert(t, "a <tag> & more"))
}

func TestBoldItalicUnderlineStrike(t *testing.T) {
	assert.Equal(t, "<b>bold</b>", convert(t, "**bold**"))
	assert.Equal(t, "<i>italic</i>", convert(t, "*italic*"))
	assert.Equal(t, "<i>italic</i>", convert(t, "_italic_"))
	assert.Equal(t, "<u>under</u>", convert(t, "__under__"))
	assert.Equal(t, "<s>gone</s>", convert(t, "~~gone~~"))
}

func TestHeadingsBecomeBold(t *testing.T) {
	assert.Equal(t, "<b>Title</b>\nbody", convert(t, "# Title\nbody"))
	assert.Equal(t, "<b>Sub</b>", convert(t, "### Sub"))
}

func TestLinks(t *testing.T) {
	assert.Equal(t, `<a href="https://example.com">docs</a>`, convert(t, "[docs](https://example.com)"))
}

func TestInlineCodePreservedVerbatim(t *testing.T) {
	// Markdown inside code must not be converted, and specials are escaped.
	assert.Equal(t, "<code>**not bold** &lt;x&gt;</code>", convert(t, "`**not bold** <x>`"))
}

func TestFencedCodeBlock(t *testing.T) {
	md := "```go\nfmt.Println(\"hi\")\n```"
	out := convert(t, md)
	assert.Equal(t, `<pre><code class="language-go">fmt.Println("hi")</code></pre>`, out)
}

func TestFencedCodeBlockNoLanguage(t *testing.T) {
	out := convert(t, "```\nx < y\n```")
	assert.Equal(t, "<pre>x &lt; y</pre>", out)
}

func TestBlockquoteRunsFold(t *testing.T) {
	md := "> first\n> second\nafter"
	assert.Equal(t, "<blockquote>first\nsecond</blockquote>\nafter", convert(t, md))
}

func TestMixedDocument(t *testing.T) {
	md := "# Result\n\nUse **go test** like this:\n\n```sh\ngo test ./...\n```\n\nSee [docs](https://go.dev)."
	out := convert(t, md)

	assert.Contains(t, out, "<b>Result</b>")
	assert.Contains(t, out, "<b>go test</b>")
	assert.Contains(t, out, `<pre><code class="language-sh">go test ./...</code></pre>`)
	assert.Contains(t, out, `<a href="https://go.dev">docs</a>`)
}

func TestOutputIsAlwaysWellFormedOrError(t *testing.T) {
	inputs := []string{
		"**unterminated bold",
		"nested **bold *italic* bold**",
		"`code` and **bold** and _italic_",
		"a\n> quote\n```\ncode\n```\ntail",
	}
	for _, md := range inputs {
		out, err := Convert(md)
		if err != nil {
			continue
		}
		require.NoError(t, checkWellFormed(out), "input %q produced bad markup: %s", md, out)
	}
}
