package telegram

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MsgLimit is Telegram's message character limit.
	MsgLimit = 4096

	// newlineSearchTail is how far back from a boundary to look for a
	// newline before falling back to a hard break.
	newlineSearchTail = 200
)

// Tags produced by the markdown converter.
var (
	inlineTags = map[string]bool{"b": true, "i": true, "code": true, "u": true, "s": true, "a": true}
	blockTags  = map[string]bool{"pre": true, "blockquote": true}
)

var tagRE = regexp.MustCompile(`<(/?)([a-zA-Z]+)(?:\s[^>]*)?>`)

// SplitMessage splits plain text into segments of at most MsgLimit bytes,
// preferring to break after the last newline near the boundary.
func SplitMessage(text string) []string {
	if len(text) <= MsgLimit {
		return []string{text}
	}

	var segments []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= MsgLimit {
			segments = append(segments, remaining)
			break
		}
		boundary := splitBoundary(remaining)
		segments = append(segments, remaining[:boundary])
		remaining = remaining[boundary:]
	}
	return segments
}

// splitBoundary picks the break position for a string longer than MsgLimit:
// after the last newline within the search tail, else a hard break at the
// limit (never inside a multi-byte rune).
func splitBoundary(s string) int {
	boundary := MsgLimit
	searchStart := boundary - newlineSearchTail
	if idx := strings.LastIndex(s[searchStart:boundary], "\n"); idx >= 0 {
		pos := searchStart + idx
		if pos > 0 {
			return pos + 1
		}
	}
	for boundary > 0 && !utf8.RuneStart(s[boundary]) {
		boundary--
	}
	return boundary
}

type openTag struct {
	name string
	pos  int // byte offset of '<' in the analyzed string
}

// openTagsAt returns the stack of tags still open at the end of html.
// Assumes properly nested markup, which is what the converter produces.
func openTagsAt(html string) []openTag {
	var stack []openTag
	for _, m := range tagRE.FindAllStringSubmatchIndex(html, -1) {
		isClose := m[3] > m[2]
		name := strings.ToLower(html[m[4]:m[5]])
		if !inlineTags[name] && !blockTags[name] {
			continue
		}
		if isClose {
			if len(stack) > 0 && stack[len(stack)-1].name == name {
				stack = stack[:len(stack)-1]
			}
		} else {
			stack = append(stack, openTag{name: name, pos: m[0]})
		}
	}
	return stack
}

// findSplitPoint returns where to cut html and which tags are open there.
//
// Inline tags are handled by backtracking to just before the opening tag,
// yielding two well-formed segments. Block tags (and inline tags enclosed
// by a block, or ones that open at position 0) are closed at the boundary
// and reopened in the next segment.
func findSplitPoint(html string) (int, []openTag) {
	if len(html) <= MsgLimit {
		return len(html), nil
	}

	boundary := splitBoundary(html)
	open := openTagsAt(html[:boundary])
	if len(open) == 0 {
		return boundary, nil
	}

	hasBlock := false
	for _, t := range open {
		if blockTags[t.name] {
			hasBlock = true
		}
	}

	innermost := open[len(open)-1]
	if inlineTags[innermost.name] && !hasBlock && innermost.pos > 0 {
		return innermost.pos, nil
	}
	return boundary, open
}

func closeTags(open []openTag) string {
	var b strings.Builder
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</")
		b.WriteString(open[i].name)
		b.WriteString(">")
	}
	return b.String()
}

// reopenTags re-emits the opening tags with their original attributes.
func reopenTags(open []openTag, original string) string {
	var b strings.Builder
	for _, t := range open {
		loc := tagRE.FindStringIndex(original[t.pos:])
		if loc != nil && loc[0] == 0 {
			b.WriteString(original[t.pos : t.pos+loc[1]])
		} else {
			b.WriteString("<" + t.name + ">")
		}
	}
	return b.String()
}

// SplitHTML splits converted markup into segments of at most MsgLimit
// bytes (plus tag overhead at the seams), keeping every segment
// well-formed.
func SplitHTML(html string) []string {
	if len(html) <= MsgLimit {
		return []string{html}
	}

	var segments []string
	remaining := html

	for remaining != "" {
		if len(remaining) <= MsgLimit {
			segments = append(segments, remaining)
			break
		}

		splitPos, open := findSplitPoint(remaining)

		// No progress possible: force a hard break and recompute what
		// needs closing at the forced position.
		if splitPos == 0 {
			splitPos = MsgLimit
			for splitPos > 0 && !utf8.RuneStart(remaining[splitPos]) {
				splitPos--
			}
			open = openTagsAt(remaining[:splitPos])
		}

		segment := remaining[:splitPos]
		rest := remaining[splitPos:]
		if len(open) > 0 {
			segment += closeTags(open)
			rest = reopenTags(open, remaining) + rest
		}

		segments = append(segments, segment)
		remaining = rest
	}
	return segments
}
