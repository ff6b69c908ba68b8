package services

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/getmetamapper/metamapper-engine/pkg/config"
	"github.com/getmetamapper/metamapper-engine/pkg/models"
)

// Notifier delivers run outcome notifications. Delivery is best-effort and
// must never block or fail a run.
type Notifier interface {
	NotifyRunFailed(ctx context.Context, datastore *models.Datastore, run *models.Run, message string)
}

// NewNotifier returns an SMTP-backed notifier when the config carries SMTP
// settings, and a no-op notifier otherwise.
func NewNotifier(cfg *config.NotifierConfig, recipients []string, logger *zap.Logger) Notifier {
	if cfg == nil || !cfg.Enabled() || len(recipients) == 0 {
		return &noopNotifier{}
	}
	return &smtpNotifier{
		cfg:        cfg,
		recipients: recipients,
		logger:     logger.Named("notifier"),
	}
}

type noopNotifier struct{}

func (n *noopNotifier) NotifyRunFailed(context.Context, *models.Datastore, *models.Run, string) {}

type smtpNotifier struct {
	cfg        *config.NotifierConfig
	recipients []string
	logger     *zap.Logger
}

var _ Notifier = (*smtpNotifier)(nil)

func (n *smtpNotifier) NotifyRunFailed(ctx context.Context, datastore *models.Datastore, run *models.Run, message string) {
	subject := fmt.Sprintf("Metamapper crawl failed: %s", datastore.Name)
	body := fmt.Sprintf(
		"The crawl run %s against datastore %q (%s) failed.\r\n\r\n%s\r\n",
		run.ID, datastore.Name, datastore.Engine, message)

	msg := strings.Join([]string{
		"From: " + n.cfg.From,
		"To: " + strings.Join(n.recipients, ", "),
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, n.cfg.From, n.recipients, []byte(msg)); err != nil {
		n.logger.Warn("Failed to deliver run failure notification",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
		return
	}

	n.logger.Info("Delivered run failure notification",
		zap.String("run_id", run.ID.String()),
		zap.String("datastore", datastore.Name))
}
