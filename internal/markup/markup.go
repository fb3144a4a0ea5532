// Package markup converts the agent's markdown output into the HTML
// subset Telegram accepts: b, i, u, s, code, a, pre, blockquote.
package markup

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	fenceRE      = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n?(.*?)```")
	inlineCodeRE = regexp.MustCompile("`([^`\n]+)`")
	headingRE    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	boldRE       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRE  = regexp.MustCompile(`__(.+?)__`)
	strikeRE     = regexp.MustCompile(`~~(.+?)~~`)
	linkRE       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	italicStarRE = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicUndRE  = regexp.MustCompile(`_([^_\n]+)_`)

	checkTagRE = regexp.MustCompile(`<(/?)([a-zA-Z]+)(?:\s[^>]*)?>`)
)

var knownTags = map[string]bool{
	"b": true, "i": true, "u": true, "s": true, "code": true,
	"a": true, "pre": true, "blockquote": true,
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// Convert renders markdown as Telegram HTML. It returns an error when the
// produced markup is not well-formed; callers then send the raw text
// instead of an HTML message Telegram would reject.
func Convert(md string) (string, error) {
	var code []string

	// Pull code out first so neither escaping nor the inline patterns
	// touch its contents.
	text := fenceRE.ReplaceAllStringFunc(md, func(m string) string {
		sub := fenceRE.FindStringSubmatch(m)
		lang, body := sub[1], sub[2]
		body = strings.TrimSuffix(body, "\n")
		var repl string
		if lang != "" {
			repl = fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, lang, escape(body))
		} else {
			repl = "<pre>" + escape(body) + "</pre>"
		}
		code = append(code, repl)
		return placeholder(len(code) - 1)
	})

	text = inlineCodeRE.ReplaceAllStringFunc(text, func(m string) string {
		sub := inlineCodeRE.FindStringSubmatch(m)
		code = append(code, "<code>"+escape(sub[1])+"</code>")
		return placeholder(len(code) - 1)
	})

	text = escape(text)

	text = headingRE.ReplaceAllString(text, "<b>$1</b>")
	text = convertBlockquotes(text)

	text = boldRE.ReplaceAllString(text, "<b>$1</b>")
	text = underlineRE.ReplaceAllString(text, "<u>$1</u>")
	text = strikeRE.ReplaceAllString(text, "<s>$1</s>")
	text = linkRE.ReplaceAllStringFunc(text, func(m string) string {
		sub := linkRE.FindStringSubmatch(m)
		href := strings.ReplaceAll(sub[2], `"`, "&quot;")
		return `<a href="` + href + `">` + sub[1] + `</a>`
	})
	text = italicStarRE.ReplaceAllString(text, "<i>$1</i>")
	text = italicUndRE.ReplaceAllString(text, "<i>$1</i>")

	for i, repl := range code {
		text = strings.Replace(text, placeholder(i), repl, 1)
	}

	if err := checkWellFormed(text); err != nil {
		return "", err
	}
	return text, nil
}

func placeholder(i int) string {
	return fmt.Sprintf("\x00C%d\x00", i)
}

// convertBlockquotes folds runs of "> " lines into one blockquote element.
func convertBlockquotes(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	var quote []string

	flush := func() {
		if len(quote) > 0 {
			out = append(out, "<blockquote>"+strings.Join(quote, "\n")+"</blockquote>")
			quote = nil
		}
	}

	for _, line := range lines {
		// ">" was escaped above.
		if rest, ok := strings.CutPrefix(line, "&gt;"); ok {
			quote = append(quote, strings.TrimPrefix(rest, " "))
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()
	return strings.Join(out, "\n")
}

// checkWellFormed walks the produced tags and verifies proper nesting.
func checkWellFormed(html string) error {
	var stack []string
	for _, m := range checkTagRE.FindAllStringSubmatch(html, -1) {
		name := strings.ToLower(m[2])
		if !knownTags[name] {
			continue
		}
		if m[1] == "/" {
			if len(stack) == 0 || stack[len(stack)-1] != name {
				return fmt.Errorf("markup: unbalanced </%s>", name)
			}
			stack = stack[:len(stack)-1]
		} else {
			stack = append(stack, name)
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("markup: unclosed <%s>", stack[len(stack)-1])
	}
	return nil
}
