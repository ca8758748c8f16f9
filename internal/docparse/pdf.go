package docparse

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/cmonsalves/billwatch/internal/faults"
)

// parsePDF extracts the text-showing operators from every page's
// decoded content stream. pdfcpu hands back the raw stream; the
// scanner below pulls string operands of Tj/TJ/'/" operators, which
// covers the simple generator-produced PDFs utility issuers send.
func parsePDF(data []byte) ([]Fragment, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w: %w", faults.ErrUnparsable, err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("validate pdf: %w: %w", faults.ErrUnparsable, err)
	}

	var frags []Fragment
	for page := 1; page <= ctx.PageCount; page++ {
		r, err := pdfcpu.ExtractPageContent(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w: %w", page, faults.ErrUnparsable, err)
		}
		if r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w: %w", page, faults.ErrUnparsable, err)
		}
		frags = append(frags, scanContent(content, page)...)
	}

	if len(frags) == 0 {
		// Pages exist but none shows text: an image-only scan.
		return nil, fmt.Errorf("no text content: %w", faults.ErrUnsupportedFormat)
	}
	return frags, nil
}

// scanContent walks one page's content stream and emits a fragment per
// text-showing operator. Td/TD/T* advance the line counter so label
// and value keep their relative positions.
func scanContent(content []byte, page int) []Fragment {
	var frags []Fragment
	var pending []byte
	line := 1

	emit := func() {
		text := bytes.TrimSpace(pending)
		if len(text) > 0 {
			frags = append(frags, Fragment{Page: page, Line: line, Col: 1, Text: string(text)})
		}
		pending = pending[:0]
	}

	i := 0
	for i < len(content) {
		c := content[i]
		switch {
		case c == '(':
			s, next := parseLiteralString(content, i)
			pending = append(pending, s...)
			i = next
		case c == '<' && i+1 < len(content) && content[i+1] != '<':
			s, next := parseHexString(content, i)
			pending = append(pending, s...)
			i = next
		case c == '[' || c == ']':
			i++
		case c == '%':
			for i < len(content) && content[i] != '\n' {
				i++
			}
		case isDelimiter(c) || isWhitespace(c):
			i++
		default:
			start := i
			for i < len(content) && !isDelimiter(content[i]) && !isWhitespace(content[i]) {
				i++
			}
			switch string(content[start:i]) {
			case "Tj", "TJ":
				emit()
			case "'", "\"":
				line++
				emit()
			case "Td", "TD", "T*":
				line++
				pending = pending[:0]
			case "BT", "ET":
				pending = pending[:0]
			}
		}
	}
	return frags
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' || c == 0
}

func isDelimiter(c byte) bool {
	return c == '(' || c == ')' || c == '<' || c == '>' || c == '[' || c == ']' || c == '{' || c == '}' || c == '/' || c == '%'
}

// parseLiteralString decodes a PDF literal string starting at the '('
// in content[i], returning the bytes and the index past the closing
// ')'. Handles escapes, octal codes and balanced nested parentheses.
func parseLiteralString(content []byte, i int) ([]byte, int) {
	var out []byte
	depth := 0
	for ; i < len(content); i++ {
		c := content[i]
		switch c {
		case '(':
			depth++
			if depth > 1 {
				out = append(out, c)
			}
		case ')':
			depth--
			if depth == 0 {
				return out, i + 1
			}
			out = append(out, c)
		case '\\':
			if i+1 >= len(content) {
				return out, i + 1
			}
			i++
			switch e := content[i]; e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
				// Ignored control characters.
			case '\n':
				// Line continuation.
			case '0', '1', '2', '3', '4', '5', '6', '7':
				v := int(e - '0')
				for n := 0; n < 2 && i+1 < len(content) && content[i+1] >= '0' && content[i+1] <= '7'; n++ {
					i++
					v = v*8 + int(content[i]-'0')
				}
				out = append(out, byte(v))
			default:
				out = append(out, e)
			}
		default:
			if depth > 0 {
				out = append(out, c)
			}
		}
	}
	return out, i
}

// parseHexString decodes a PDF hex string starting at the '<' in
// content[i]. BOM-prefixed UTF-16BE payloads are converted; anything
// else is taken as single bytes.
func parseHexString(content []byte, i int) ([]byte, int) {
	i++ // consume '<'
	var nibbles []byte
	for ; i < len(content) && content[i] != '>'; i++ {
		c := content[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			nibbles = append(nibbles, c)
		}
	}
	if i < len(content) {
		i++ // consume '>'
	}
	if len(nibbles)%2 == 1 {
		nibbles = append(nibbles, '0')
	}

	raw := make([]byte, 0, len(nibbles)/2)
	for j := 0; j+1 < len(nibbles); j += 2 {
		raw = append(raw, hexVal(nibbles[j])<<4|hexVal(nibbles[j+1]))
	}

	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		codes := make([]uint16, 0, (len(raw)-2)/2)
		for j := 2; j+1 < len(raw); j += 2 {
			codes = append(codes, uint16(raw[j])<<8|uint16(raw[j+1]))
		}
		return []byte(string(utf16.Decode(codes))), i
	}
	return raw, i
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
