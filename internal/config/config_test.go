package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cmonsalves/billwatch/internal/bill"
)

const sampleConfig = `
log_level: debug
accounts:
  - name: personal
    protocol: imap
    host: imap.example.com
    port: 993
    username: me@example.com
    password: secret
    use_tls: true
services:
  - name: electricity
    account: personal
    match:
      senders: [facturacion@enel.cl]
    fields:
      - name: total_due
        type: currency
        required: true
        label: "total a pagar"
      - name: folio
        type: text
        pattern: 'Folio\s+(\d+)'
        source: subject
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].Name != "personal" {
		t.Fatalf("accounts = %+v", cfg.Accounts)
	}

	svcs := cfg.ServicesFor("personal")
	if len(svcs) != 1 || svcs[0].Name != "electricity" {
		t.Fatalf("services = %+v", svcs)
	}
	if got := svcs[0].RequiredFields(); len(got) != 1 || got[0] != "total_due" {
		t.Errorf("RequiredFields = %v", got)
	}
	if !svcs[0].Fields[1].FromSubject() {
		t.Error("folio field should read from the subject")
	}
	if got := svcs[0].Fields[0].ValueType(); got != bill.TypeCurrency {
		t.Errorf("ValueType = %q", got)
	}

	if cfg.ServicesFor("nobody") != nil {
		t.Error("ServicesFor should be empty for unknown accounts")
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	a := &cfg.Accounts[0]

	if got := a.PollInterval(); got != 30*time.Minute {
		t.Errorf("PollInterval = %v", got)
	}
	if got := a.Lookback(); got != 7 {
		t.Errorf("Lookback = %d", got)
	}
	if got := a.FetchTimeout(); got != time.Minute {
		t.Errorf("FetchTimeout = %v", got)
	}
	if got := a.MaxAttachmentSize(); got != 10<<20 {
		t.Errorf("MaxAttachmentSize = %d", got)
	}
	if got := a.AuthBudget(); got != 3 {
		t.Errorf("AuthBudget = %d", got)
	}
	if got := a.MaxBackoff(); got != 30*time.Minute {
		t.Errorf("MaxBackoff = %v", got)
	}
	if got := a.ParallelLimit(); got != 4 {
		t.Errorf("ParallelLimit = %d", got)
	}
	if got := a.GetIMAPFolder(); got != "INBOX" {
		t.Errorf("GetIMAPFolder = %q", got)
	}

	s := &cfg.Services[0]
	if got := s.HistoryCap(); got != 10 {
		t.Errorf("HistoryCap = %d", got)
	}
	if got := s.Policy(); got != "flag" {
		t.Errorf("Policy = %q", got)
	}
	if got := s.DecimalSep(); got != "," {
		t.Errorf("DecimalSep = %q", got)
	}
	if got := s.ThousandsSep(); got != "." {
		t.Errorf("ThousandsSep = %q", got)
	}
	if got := s.TextCap(); got != 15000 {
		t.Errorf("TextCap = %d", got)
	}
	if got := s.Layouts(); len(got) == 0 || got[0] != "02/01/2006" {
		t.Errorf("Layouts = %v", got)
	}
	if got := s.Fields[0].SearchWindow(); got != 60 {
		t.Errorf("SearchWindow = %d", got)
	}
}

func TestMatchRules(t *testing.T) {
	m := &MatchRules{Senders: []string{"enel.cl"}, Subjects: []string{"boleta"}}

	if !m.Matches("Facturacion <facturacion@ENEL.CL>", "anything") {
		t.Error("sender fragment should match case-insensitively")
	}
	if !m.Matches("other@example.com", "Su Boleta Electronica") {
		t.Error("subject fragment should match case-insensitively")
	}
	if m.Matches("other@example.com", "unrelated") {
		t.Error("no fragment hit should not match")
	}

	empty := &MatchRules{}
	if empty.Matches("facturacion@enel.cl", "boleta") {
		t.Error("empty rules must never match")
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(s string) string
		wantErr string
	}{
		{
			name:    "bad protocol",
			mutate:  func(s string) string { return strings.Replace(s, "protocol: imap", "protocol: smtp", 1) },
			wantErr: "protocol must be pop3 or imap",
		},
		{
			name:    "unknown account",
			mutate:  func(s string) string { return strings.Replace(s, "account: personal", "account: ghost", 1) },
			wantErr: "unknown account",
		},
		{
			name: "no match rules",
			mutate: func(s string) string {
				return strings.Replace(s, "    match:\n      senders: [facturacion@enel.cl]\n", "", 1)
			},
			wantErr: "at least one match rule",
		},
		{
			name:    "label and pattern together",
			mutate:  func(s string) string { return strings.Replace(s, "label: \"total a pagar\"", "label: \"total a pagar\"\n        pattern: 'x'", 1) },
			wantErr: "exactly one of label or pattern",
		},
		{
			name:    "neither label nor pattern",
			mutate:  func(s string) string { return strings.Replace(s, "        label: \"total a pagar\"\n", "", 1) },
			wantErr: "exactly one of label or pattern",
		},
		{
			name:    "bad pattern",
			mutate:  func(s string) string { return strings.Replace(s, `Folio\s+(\d+)`, `Folio\s+(\d+`, 1) },
			wantErr: "bad pattern",
		},
		{
			name:    "unknown field type",
			mutate:  func(s string) string { return strings.Replace(s, "type: currency", "type: money", 1) },
			wantErr: "unknown type",
		},
		{
			name:    "bad source",
			mutate:  func(s string) string { return strings.Replace(s, "source: subject", "source: header", 1) },
			wantErr: "source must be body or subject",
		},
		{
			name:    "smtp without to",
			mutate:  func(s string) string { return "notify_smtp:\n  host: smtp.example.com\n  port: 587\n" + s },
			wantErr: "notify_smtp: to is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.mutate(sampleConfig)))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}
