package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"

	"github.com/cmonsalves/billwatch/internal/bill"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel   string    `yaml:"log_level"`
	NotifySMTP *SMTP     `yaml:"notify_smtp"`
	Accounts   []Account `yaml:"accounts"`
	Services   []Service `yaml:"services"`
}

// SMTP holds the optional outgoing alert-mail configuration.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// Account describes one monitored mailbox.
type Account struct {
	Name                 string `yaml:"name"`
	Protocol             string `yaml:"protocol"` // "pop3" or "imap"
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	UseTLS               bool   `yaml:"use_tls"`
	IMAPFolder           string `yaml:"imap_folder"`
	PollIntervalSeconds  int    `yaml:"poll_interval_seconds"`
	LookbackDays         int    `yaml:"lookback_days"`
	FetchTimeoutSeconds  int    `yaml:"fetch_timeout_seconds"`
	MaxAttachmentBytes   int    `yaml:"max_attachment_bytes"`
	AuthFailureBudget    int    `yaml:"auth_failure_budget"`
	MaxBackoffSeconds    int    `yaml:"max_backoff_seconds"`
	ParallelMessageLimit int    `yaml:"parallel_message_limit"`
}

// PollInterval returns the poll cadence, defaulting to 30 minutes.
func (a *Account) PollInterval() time.Duration {
	if a.PollIntervalSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(a.PollIntervalSeconds) * time.Second
}

// Lookback returns the number of days to look back on the first poll,
// defaulting to 7.
func (a *Account) Lookback() int {
	if a.LookbackDays <= 0 {
		return 7
	}
	return a.LookbackDays
}

// FetchTimeout bounds each mailbox or parse operation, defaulting to
// one minute.
func (a *Account) FetchTimeout() time.Duration {
	if a.FetchTimeoutSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(a.FetchTimeoutSeconds) * time.Second
}

// MaxAttachmentSize returns the per-attachment byte cap, defaulting to
// 10 MiB.
func (a *Account) MaxAttachmentSize() int {
	if a.MaxAttachmentBytes <= 0 {
		return 10 << 20
	}
	return a.MaxAttachmentBytes
}

// AuthBudget returns how many consecutive authentication failures stop
// the account's scheduling, defaulting to 3.
func (a *Account) AuthBudget() int {
	if a.AuthFailureBudget <= 0 {
		return 3
	}
	return a.AuthFailureBudget
}

// MaxBackoff caps the exponential retry delay, defaulting to 30 minutes.
func (a *Account) MaxBackoff() time.Duration {
	if a.MaxBackoffSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(a.MaxBackoffSeconds) * time.Second
}

// ParallelLimit bounds concurrent message processing within one poll
// cycle, defaulting to 4.
func (a *Account) ParallelLimit() int {
	if a.ParallelMessageLimit <= 0 {
		return 4
	}
	return a.ParallelMessageLimit
}

// GetIMAPFolder returns the IMAP folder name, defaulting to "INBOX".
func (a *Account) GetIMAPFolder() string {
	if a.IMAPFolder == "" {
		return "INBOX"
	}
	return a.IMAPFolder
}

// MatchRules decide whether a message belongs to a service. Fragments
// are matched case-insensitively as substrings.
type MatchRules struct {
	Senders  []string `yaml:"senders"`
	Subjects []string `yaml:"subjects"`
}

// Matches reports whether the sender or subject hits any configured
// fragment. Empty rules never match.
func (m *MatchRules) Matches(sender, subject string) bool {
	sender = strings.ToLower(sender)
	subject = strings.ToLower(subject)
	for _, f := range m.Senders {
		if f != "" && strings.Contains(sender, strings.ToLower(f)) {
			return true
		}
	}
	for _, f := range m.Subjects {
		if f != "" && strings.Contains(subject, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

// Field is one extraction rule of a service template. Exactly one of
// Label (anchor on a nearby literal) or Pattern (regular expression)
// must be set.
type Field struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // currency, date, integer, text
	Required bool   `yaml:"required"`
	Label    string `yaml:"label"`
	Pattern  string `yaml:"pattern"`
	Source   string `yaml:"source"` // "body" (default) or "subject"
	Window   int    `yaml:"window"`
}

// ValueType converts the YAML type tag to the typed model constant.
func (f *Field) ValueType() bill.FieldType {
	return bill.FieldType(f.Type)
}

// SearchWindow returns how many runes after a label anchor are scanned
// for the value, defaulting to 60.
func (f *Field) SearchWindow() int {
	if f.Window <= 0 {
		return 60
	}
	return f.Window
}

// FromSubject reports whether the rule runs against the message subject
// instead of the document text.
func (f *Field) FromSubject() bool {
	return f.Source == "subject"
}

// CurrencyFormat carries locale separators for amount parsing.
type CurrencyFormat struct {
	DecimalSep   string `yaml:"decimal_sep"`
	ThousandsSep string `yaml:"thousands_sep"`
}

// Service is one configured bill category: match rules plus the field
// extraction template. Immutable for the duration of a poll cycle.
type Service struct {
	Name            string         `yaml:"name"`
	Account         string         `yaml:"account"`
	Match           MatchRules     `yaml:"match"`
	HistorySize     int            `yaml:"history_size"`
	Currency        CurrencyFormat `yaml:"currency"`
	DateFormats     []string       `yaml:"date_formats"`
	AmbiguousPolicy string         `yaml:"ambiguous_policy"` // first, last, flag
	MaxTextBytes    int            `yaml:"max_text_bytes"`
	Fields          []Field        `yaml:"fields"`
}

// HistoryCap returns the bounded history capacity, defaulting to 10.
func (s *Service) HistoryCap() int {
	if s.HistorySize <= 0 {
		return 10
	}
	return s.HistorySize
}

// Policy returns the ambiguous-match policy, defaulting to "flag".
func (s *Service) Policy() string {
	switch s.AmbiguousPolicy {
	case "first", "last", "flag":
		return s.AmbiguousPolicy
	default:
		return "flag"
	}
}

// DecimalSep returns the decimal separator, defaulting to "," (Chilean
// bills write $45.990,50).
func (s *Service) DecimalSep() string {
	if s.Currency.DecimalSep == "" {
		return ","
	}
	return s.Currency.DecimalSep
}

// ThousandsSep returns the thousands separator, defaulting to ".".
func (s *Service) ThousandsSep() string {
	if s.Currency.ThousandsSep == "" {
		return "."
	}
	return s.Currency.ThousandsSep
}

// Layouts returns the date layouts tried in order during normalization.
func (s *Service) Layouts() []string {
	if len(s.DateFormats) > 0 {
		return s.DateFormats
	}
	return []string{"02/01/2006", "02-01-2006", "2006-01-02", "02/01/06"}
}

// TextCap bounds the text searched per document, defaulting to 15000
// bytes.
func (s *Service) TextCap() int {
	if s.MaxTextBytes <= 0 {
		return 15000
	}
	return s.MaxTextBytes
}

// RequiredFields returns the names of all required template fields.
func (s *Service) RequiredFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// ServicesFor returns the services bound to the named account.
func (c *Config) ServicesFor(account string) []Service {
	var out []Service
	for _, s := range c.Services {
		if s.Account == account {
			out = append(out, s)
		}
	}
	return out
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	names := make(map[string]bool)
	for i, a := range c.Accounts {
		label := a.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if a.Protocol != "pop3" && a.Protocol != "imap" {
			return fmt.Errorf("account %s: protocol must be pop3 or imap", label)
		}
		if a.Host == "" {
			return fmt.Errorf("account %s: host is required", label)
		}
		if a.Port == 0 {
			return fmt.Errorf("account %s: port is required", label)
		}
		names[a.Name] = true
	}

	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}
	for i, s := range c.Services {
		label := s.Name
		if label == "" {
			return fmt.Errorf("service #%d: name is required", i)
		}
		if !names[s.Account] {
			return fmt.Errorf("service %s: unknown account %q", label, s.Account)
		}
		if len(s.Match.Senders) == 0 && len(s.Match.Subjects) == 0 {
			return fmt.Errorf("service %s: at least one match rule is required", label)
		}
		if len(s.Fields) == 0 {
			return fmt.Errorf("service %s: at least one template field is required", label)
		}
		for _, f := range s.Fields {
			if f.Name == "" {
				return fmt.Errorf("service %s: field name is required", label)
			}
			switch bill.FieldType(f.Type) {
			case bill.TypeCurrency, bill.TypeDate, bill.TypeInteger, bill.TypeText:
			default:
				return fmt.Errorf("service %s: field %s: unknown type %q", label, f.Name, f.Type)
			}
			if (f.Label == "") == (f.Pattern == "") {
				return fmt.Errorf("service %s: field %s: exactly one of label or pattern is required", label, f.Name)
			}
			if f.Pattern != "" {
				if _, err := regexp.Compile(f.Pattern); err != nil {
					return fmt.Errorf("service %s: field %s: bad pattern: %w", label, f.Name, err)
				}
			}
			if f.Source != "" && f.Source != "body" && f.Source != "subject" {
				return fmt.Errorf("service %s: field %s: source must be body or subject", label, f.Name)
			}
		}
	}

	if c.NotifySMTP != nil {
		if c.NotifySMTP.Host == "" || c.NotifySMTP.Port == 0 {
			return fmt.Errorf("notify_smtp: host and port are required")
		}
		if c.NotifySMTP.To == "" {
			return fmt.Errorf("notify_smtp: to is required")
		}
	}
	return nil
}
