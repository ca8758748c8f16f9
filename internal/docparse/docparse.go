// Package docparse converts document bytes into positioned text
// fragments. Parsing is pure: identical input yields identical output
// and nothing outside the package is touched.
package docparse

import (
	"fmt"
	"strings"

	"github.com/cmonsalves/billwatch/internal/faults"
)

// Fragment is one positioned piece of document text.
type Fragment struct {
	Page int
	Line int
	Col  int
	Text string
}

// Parse dispatches on the declared mime type.
func Parse(data []byte, mime string) ([]Fragment, error) {
	switch mime {
	case "application/pdf":
		return parsePDF(data)
	case "text/plain":
		return parseText(string(data)), nil
	case "text/html":
		return parseText(StripHTML(string(data))), nil
	default:
		return nil, fmt.Errorf("mime %s: %w", mime, faults.ErrUnsupportedFormat)
	}
}

// Text flattens fragments back into a searchable string, fragments in
// document order separated by newlines.
func Text(frags []Fragment) string {
	var b strings.Builder
	for i, f := range frags {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Text)
	}
	return b.String()
}

func parseText(text string) []Fragment {
	var frags []Fragment
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		frags = append(frags, Fragment{
			Page: 1,
			Line: i + 1,
			Col:  1 + len(line) - len(strings.TrimLeft(line, " \t")),
			Text: trimmed,
		})
	}
	return frags
}
