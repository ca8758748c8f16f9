package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/cmonsalves/billwatch/internal/config"
	"github.com/cmonsalves/billwatch/internal/faults"
)

// IMAPDialer opens sessions over IMAP/IMAPS.
type IMAPDialer struct {
	acct   config.Account
	logger *slog.Logger
}

// NewIMAP creates an IMAP dialer for the account.
func NewIMAP(acct config.Account, logger *slog.Logger) *IMAPDialer {
	return &IMAPDialer{acct: acct, logger: logger}
}

// Open dials, authenticates and selects the configured folder.
func (d *IMAPDialer) Open(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(d.acct.Host, fmt.Sprintf("%d", d.acct.Port))

	var client *imapclient.Client
	var err error

	if d.acct.UseTLS {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: d.acct.Host},
		})
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w: %w", addr, faults.ErrConnectivity, err)
	}

	if err := client.Login(d.acct.Username, d.acct.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("imap login %s: %w: %w", d.acct.Username, faults.ErrAuth, err)
	}

	folder := d.acct.GetIMAPFolder()
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		client.Logout()
		client.Close()
		return nil, fmt.Errorf("imap select %s: %w: %w", folder, faults.ErrConnectivity, err)
	}

	return &imapSession{
		client: client,
		logger: d.logger,
		seqs:   make(map[string]uint32),
	}, nil
}

type imapSession struct {
	client *imapclient.Client
	logger *slog.Logger
	// seqs maps Message-ID to the sequence number observed during
	// listing; valid for this session only.
	seqs map[string]uint32
}

func (s *imapSession) ListCandidates(ctx context.Context, since time.Time) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	searchData, err := s.client.Search(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w: %w", faults.ErrConnectivity, err)
	}

	seqNums := searchData.AllSeqNums()
	if len(seqNums) == 0 {
		return nil, nil
	}

	seqSet := imap.SeqSetNum(seqNums...)
	buffers, err := s.client.Fetch(seqSet, &imap.FetchOptions{Envelope: true}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch envelopes: %w: %w", faults.ErrConnectivity, err)
	}

	summaries := make([]Summary, 0, len(buffers))
	for _, buf := range buffers {
		var sum Summary
		if env := buf.Envelope; env != nil {
			sum.ID = env.MessageID
			sum.Subject = env.Subject
			sum.Date = env.Date
			if len(env.From) > 0 {
				sum.Sender = fmt.Sprintf("%s@%s", env.From[0].Mailbox, env.From[0].Host)
			}
		}
		if sum.ID == "" {
			sum.ID = fmt.Sprintf("imap-%d-%d", buf.SeqNum, sum.Date.Unix())
		}
		s.seqs[sum.ID] = buf.SeqNum
		summaries = append(summaries, sum)
	}

	s.logger.Debug("imap listed candidates", "since", since, "count", len(summaries))
	return summaries, nil
}

func (s *imapSession) Fetch(ctx context.Context, id string) (*RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqNum, ok := s.seqs[id]
	if !ok {
		return nil, fmt.Errorf("imap fetch %s: %w", id, faults.ErrNotFound)
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	buffers, err := s.client.Fetch(imap.SeqSetNum(seqNum), fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch body: %w: %w", faults.ErrConnectivity, err)
	}
	if len(buffers) == 0 {
		return nil, fmt.Errorf("imap fetch %s: %w", id, faults.ErrNotFound)
	}

	buf := buffers[0]
	content := buf.FindBodySection(bodySection)
	if len(content) == 0 {
		return nil, fmt.Errorf("imap fetch %s: empty body: %w", id, faults.ErrNotFound)
	}

	raw := &RawMessage{ID: id, Content: content}
	if buf.Envelope != nil {
		raw.Date = buf.Envelope.Date
		raw.Subject = buf.Envelope.Subject
	}
	return raw, nil
}

func (s *imapSession) Close() error {
	s.client.Logout()
	return s.client.Close()
}
