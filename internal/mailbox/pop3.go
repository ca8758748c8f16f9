package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	pop3client "github.com/knadh/go-pop3"

	"github.com/cmonsalves/billwatch/internal/config"
	"github.com/cmonsalves/billwatch/internal/faults"
)

// POP3Dialer opens sessions over POP3/POP3S.
type POP3Dialer struct {
	acct   config.Account
	logger *slog.Logger
}

// NewPOP3 creates a POP3 dialer for the account.
func NewPOP3(acct config.Account, logger *slog.Logger) *POP3Dialer {
	return &POP3Dialer{acct: acct, logger: logger}
}

// Open dials and authenticates.
func (d *POP3Dialer) Open(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(d.acct.Host, fmt.Sprintf("%d", d.acct.Port))

	client := pop3client.New(pop3client.Opt{
		Host:       d.acct.Host,
		Port:       d.acct.Port,
		TLSEnabled: d.acct.UseTLS,
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, fmt.Errorf("pop3 connect %s: %w: %w", addr, faults.ErrConnectivity, err)
	}

	if err := conn.Auth(d.acct.Username, d.acct.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("pop3 auth %s: %w: %w", d.acct.Username, faults.ErrAuth, err)
	}

	return &pop3Session{
		conn:     conn,
		username: d.acct.Username,
		logger:   d.logger,
		raw:      make(map[string][]byte),
	}, nil
}

// pop3Session retrieves full messages at listing time; POP3 has no
// header-only search, so the listing pass caches the raw bytes and
// Fetch serves them back.
type pop3Session struct {
	conn     *pop3client.Conn
	username string
	logger   *slog.Logger
	raw      map[string][]byte
	dates    map[string]time.Time
}

func (s *pop3Session) ListCandidates(ctx context.Context, since time.Time) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := s.conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 list: %w: %w", faults.ErrConnectivity, err)
	}

	s.dates = make(map[string]time.Time, len(msgs))
	var summaries []Summary
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rawBuf, err := s.conn.RetrRaw(msg.ID)
		if err != nil {
			s.logger.Warn("pop3 retrieve failed", "msg_id", msg.ID, "error", err)
			continue
		}
		raw := rawBuf.Bytes()

		msgID, sender, subject, date := headerSummary(raw)
		if msgID == "" {
			if msg.UID != "" {
				msgID = fmt.Sprintf("pop3-uid-%s-%s", msg.UID, s.username)
			} else {
				msgID = fmt.Sprintf("pop3-%d-%s", msg.ID, s.username)
			}
		}

		if !date.IsZero() && date.Before(since) {
			continue
		}

		s.raw[msgID] = raw
		s.dates[msgID] = date
		summaries = append(summaries, Summary{
			ID:      msgID,
			Sender:  sender,
			Subject: subject,
			Date:    date,
		})
	}

	s.logger.Debug("pop3 listed candidates", "since", since, "count", len(summaries))
	return summaries, nil
}

func (s *pop3Session) Fetch(ctx context.Context, id string) (*RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, ok := s.raw[id]
	if !ok {
		return nil, fmt.Errorf("pop3 fetch %s: %w", id, faults.ErrNotFound)
	}
	_, _, subject, _ := headerSummary(raw)
	return &RawMessage{
		ID:      id,
		Date:    s.dates[id],
		Subject: subject,
		Content: raw,
	}, nil
}

func (s *pop3Session) Close() error {
	return s.conn.Quit()
}
