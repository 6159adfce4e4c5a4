// Package notify delivers error digests by email. Each study's errors in
// a poll cycle are coalesced into one message; routing follows the
// admins, notify.<study> and notify.__global__ configuration.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/moolen/lochness/internal/config"
	"github.com/moolen/lochness/internal/keyring"
	"github.com/moolen/lochness/internal/logging"
	"github.com/moolen/lochness/internal/metrics"
)

// keyringService is the keyring entry that holds SMTP credentials.
const keyringService = "smtp"

// Notifier is what the sync scheduler needs for error reporting.
type Notifier interface {
	SendErrorDigest(ctx context.Context, study string, errs []error) error
}

// SMTPSettings are the server credentials loaded from the keyring.
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SettingsFromKeyring reads the "smtp" keyring service. Expected keys:
// host, port, username, password.
func SettingsFromKeyring(kr *keyring.Keyring) (SMTPSettings, error) {
	entry, err := kr.Get(keyringService)
	if err != nil {
		return SMTPSettings{}, err
	}

	port, err := strconv.Atoi(entry["port"])
	if err != nil {
		return SMTPSettings{}, fmt.Errorf("smtp port is not a number: %q", entry["port"])
	}

	settings := SMTPSettings{
		Host:     entry["host"],
		Port:     port,
		Username: entry["username"],
		Password: entry["password"],
	}
	if settings.Host == "" {
		return SMTPSettings{}, fmt.Errorf("smtp host must not be empty")
	}
	return settings, nil
}

// Mailer sends error digests over SMTP.
type Mailer struct {
	settings SMTPSettings
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu  sync.RWMutex
	cfg *config.Config

	// send is replaceable in tests
	send func(ctx context.Context, msg *mail.Msg) error
}

// NewMailer creates a Mailer with the given SMTP settings and routing
// configuration.
func NewMailer(settings SMTPSettings, cfg *config.Config, m *metrics.Metrics) (*Mailer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if cfg.Sender == "" {
		return nil, fmt.Errorf("sender must be configured for notifications")
	}

	mailer := &Mailer{
		settings: settings,
		metrics:  m,
		logger:   logging.GetLogger("notify"),
		cfg:      cfg,
	}
	mailer.send = mailer.smtpSend
	return mailer, nil
}

// UpdateConfig swaps the routing configuration after a hot reload.
func (m *Mailer) UpdateConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// SendErrorDigest mails one digest covering all of a study's errors from
// the current cycle. No-op when there are no errors or no recipients.
func (m *Mailer) SendErrorDigest(ctx context.Context, study string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}

	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	recipients := cfg.Recipients(study)
	if len(recipients) == 0 {
		m.logger.WarnWithFields("errors occurred but nobody is configured to be notified",
			logging.Field("study", study),
			logging.Field("errors", len(errs)))
		return nil
	}

	subject, body := BuildDigest(study, errs)

	msg := mail.NewMsg()
	if err := msg.From(cfg.Sender); err != nil {
		return fmt.Errorf("invalid sender %q: %w", cfg.Sender, err)
	}
	if err := msg.To(recipients...); err != nil {
		return fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := m.send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send digest for %s: %w", study, err)
	}

	if m.metrics != nil {
		m.metrics.NotificationsSent.Inc()
	}
	m.logger.InfoWithFields("sent error digest",
		logging.Field("study", study),
		logging.Field("recipients", len(recipients)),
		logging.Field("errors", len(errs)))
	return nil
}

func (m *Mailer) smtpSend(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(m.settings.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.settings.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.settings.Username),
			mail.WithPassword(m.settings.Password))
	}

	client, err := mail.NewClient(m.settings.Host, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// BuildDigest renders the subject line and plain-text body for a study's
// error digest. Duplicate error messages are collapsed with a count.
func BuildDigest(study string, errs []error) (subject, body string) {
	counts := make(map[string]int)
	var order []string
	for _, err := range errs {
		msg := err.Error()
		if counts[msg] == 0 {
			order = append(order, msg)
		}
		counts[msg]++
	}
	sort.Strings(order)

	var b strings.Builder
	fmt.Fprintf(&b, "Lochness encountered %d error(s) while syncing study %s.\n\n", len(errs), study)
	for _, msg := range order {
		if counts[msg] > 1 {
			fmt.Fprintf(&b, "  - %s (x%d)\n", msg, counts[msg])
		} else {
			fmt.Fprintf(&b, "  - %s\n", msg)
		}
	}
	fmt.Fprintf(&b, "\nGenerated at %s\n", time.Now().UTC().Format(time.RFC3339))

	subject = fmt.Sprintf("[lochness] %s: %d sync error(s)", study, len(errs))
	return subject, b.String()
}
