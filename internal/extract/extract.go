// Package extract coerces free-form model output into JSON text.
//
// Sanitize is best effort: when no JSON can be isolated it returns the
// (fence-stripped) input, and callers decide whether that is acceptable.
package extract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fenceOpen  = regexp.MustCompile("(?i)^```[a-z0-9_+-]*\\s*")
	fenceClose = regexp.MustCompile("\\s*```$")
)

// Sanitize returns the compact form of the JSON held in text.
//
// It strips one surrounding markdown fence, narrows prose-wrapped output to
// the first balanced {...} object, and re-serializes that with insignificant
// whitespace removed. Key order and non-ASCII characters are kept as they
// appear. If the result does not parse, the pre-parse text is returned.
func Sanitize(text string) string {
	if text == "" {
		return text
	}

	work := StripFences(text)

	if !strings.HasPrefix(strings.TrimLeft(work, " \t\r\n"), "{") {
		if obj, ok := FirstObject(work); ok {
			work = obj
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(work)); err != nil {
		return work
	}
	return buf.String()
}

// StripFences trims text and removes a single leading fence opener (with an
// optional language tag) and a single trailing fence closer.
func StripFences(text string) string {
	text = fenceOpen.ReplaceAllString(strings.TrimSpace(text), "")
	return fenceClose.ReplaceAllString(text, "")
}

// FirstObject returns the first balanced top-level {...} object in text.
// Braces inside JSON string literals do not count towards nesting.
func FirstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// Parseable reports whether text is a single valid JSON value.
func Parseable(text string) bool {
	return json.Valid([]byte(text))
}
