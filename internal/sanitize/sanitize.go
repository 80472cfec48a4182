// Package sanitize cleans names taken from problem files before they are
// rendered into markdown run reports served to MCP clients. Problem,
// group and parameter names are free text, so a crafted name could
// otherwise break a report table or smuggle instructions to the client.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxCellLength is the maximum length, in runes, of a sanitized cell.
const MaxCellLength = 120

var (
	// reXMLTag matches XML/HTML tags including those with attributes and self-closing tags.
	// It also matches XML processing instructions like <?xml ...?>.
	reXMLTag = regexp.MustCompile(`<[/?!]?[a-zA-Z][a-zA-Z0-9]*(?:\s+[^>]*)?/?>|<\?[^?]*\?>`)

	// reBackticks matches runs of two or more backticks.
	reBackticks = regexp.MustCompile("``+")

	// reSpaces matches runs of whitespace.
	reSpaces = regexp.MustCompile(`\s+`)
)

// Cell sanitizes s for a single markdown table cell or inline field:
//  1. Control characters and line breaks become spaces
//  2. XML/HTML tags are removed
//  3. Backtick runs collapse to one backtick
//  4. Pipes are escaped
//  5. Whitespace is collapsed and trimmed
//  6. The result is truncated to MaxCellLength runes
func Cell(s string) string {
	if s == "" {
		return ""
	}

	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	s = reXMLTag.ReplaceAllString(s, "")
	s = reBackticks.ReplaceAllString(s, "`")
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))

	if utf8.RuneCountInString(s) > MaxCellLength {
		runes := []rune(s)
		s = strings.TrimRight(string(runes[:MaxCellLength]), `\`) + "..."
	}
	return s
}

// Heading sanitizes s for use inside a markdown heading. Leading '#'
// characters are dropped so the text cannot change the heading level.
func Heading(s string) string {
	return strings.TrimLeft(Cell(s), "# ")
}
