// Package mailbox opens authenticated sessions against remote mail
// servers and exposes the listing and fetch primitives the pipeline is
// built on.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/cmonsalves/billwatch/internal/config"
)

// Summary identifies one listed message. Listing is cheap (headers
// only for IMAP); the body is fetched separately once a message is
// admitted past filtering and the ledger.
type Summary struct {
	ID      string
	Sender  string
	Subject string
	Date    time.Time
}

// RawMessage is a fetched message: identifier plus raw RFC 5322 bytes.
// Transient; it exists only within one pipeline pass.
type RawMessage struct {
	ID      string
	Date    time.Time
	Subject string
	Content []byte
}

// Session is an open, authenticated mailbox connection.
type Session interface {
	// ListCandidates returns summaries of messages received on or
	// after since.
	ListCandidates(ctx context.Context, since time.Time) ([]Summary, error)

	// Fetch retrieves the raw message for an ID previously returned by
	// ListCandidates. Returns faults.ErrNotFound if it vanished.
	Fetch(ctx context.Context, id string) (*RawMessage, error)

	// Close releases the connection.
	Close() error
}

// Dialer opens sessions for one account.
type Dialer interface {
	Open(ctx context.Context) (Session, error)
}

// NewDialer creates a Dialer for the account's configured protocol.
func NewDialer(acct config.Account, logger *slog.Logger) (Dialer, error) {
	switch acct.Protocol {
	case "imap":
		return NewIMAP(acct, logger), nil
	case "pop3":
		return NewPOP3(acct, logger), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", acct.Protocol)
	}
}

// headerSummary parses identifying headers out of raw message bytes.
func headerSummary(raw []byte) (msgID, sender, subject string, date time.Time) {
	reader, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return "", "", "", time.Time{}
	}
	defer reader.Close()

	msgID = reader.Header.Get("Message-ID")
	if subj, err := reader.Header.Subject(); err == nil {
		subject = subj
	}
	if addrs, err := reader.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		sender = addrs[0].Address
	}
	if d, err := reader.Header.Date(); err == nil {
		date = d
	}
	return msgID, sender, subject, date
}
