// Package attach pulls document attachments and the inline body text
// out of a raw mail message.
package attach

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/cmonsalves/billwatch/internal/faults"
	"github.com/cmonsalves/billwatch/internal/mailbox"
)

// Document is one extractable piece of a message: either a supported
// attachment or the synthetic inline-body document (bills frequently
// carry the key fields in the mail body itself).
type Document struct {
	Filename string
	MIME     string
	Data     []byte
	Inline   bool
}

// supported reports whether a declared attachment type can reach the
// document parser. Octet-stream PDFs are common enough to allow by
// file extension.
func supported(mime, filename string) bool {
	switch mime {
	case "application/pdf", "text/plain", "text/html":
		return true
	case "application/octet-stream":
		return strings.HasSuffix(strings.ToLower(filename), ".pdf")
	}
	return false
}

// Documents walks the message and returns its extractable documents.
// Non-document attachments are skipped silently. A single oversize or
// unreadable attachment contributes an error without aborting its
// siblings; the sequence is rebuilt from raw on every call.
func Documents(raw *mailbox.RawMessage, maxSize int) ([]Document, []error) {
	reader, err := mail.CreateReader(strings.NewReader(string(raw.Content)))
	if err != nil {
		return nil, []error{fmt.Errorf("parse message %s: %w: %w", raw.ID, faults.ErrUnparsable, err)}
	}
	defer reader.Close()

	var docs []Document
	var errs []error
	var plainBody, htmlBody strings.Builder

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("read part of %s: %w: %w", raw.ID, faults.ErrUnparsable, err))
			break
		}

		switch header := part.Header.(type) {
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			mimeType, _, _ := header.ContentType()
			if !supported(mimeType, filename) {
				continue
			}
			data, err := readCapped(part.Body, maxSize)
			if err != nil {
				errs = append(errs, fmt.Errorf("attachment %s of %s: %w", filename, raw.ID, err))
				continue
			}
			if mimeType == "application/octet-stream" {
				mimeType = "application/pdf"
			}
			docs = append(docs, Document{Filename: filename, MIME: mimeType, Data: data})

		case *mail.InlineHeader:
			mimeType, _, _ := header.ContentType()
			if mimeType != "text/plain" && mimeType != "text/html" {
				continue
			}
			data, err := readCapped(part.Body, maxSize)
			if err != nil {
				continue
			}
			if mimeType == "text/plain" {
				plainBody.Write(data)
				plainBody.WriteByte('\n')
			} else {
				htmlBody.Write(data)
				htmlBody.WriteByte('\n')
			}
		}
	}

	// Prefer the plain body; fall back to HTML.
	if plainBody.Len() > 0 {
		docs = append(docs, Document{MIME: "text/plain", Data: []byte(plainBody.String()), Inline: true})
	} else if htmlBody.Len() > 0 {
		docs = append(docs, Document{MIME: "text/html", Data: []byte(htmlBody.String()), Inline: true})
	}

	return docs, errs
}

func readCapped(r io.Reader, maxSize int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", faults.ErrUnparsable, err)
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", faults.ErrOversize, maxSize)
	}
	return data, nil
}
