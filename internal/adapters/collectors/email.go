package collectors

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
)

// EmailCollector добывает сигналы о важных непрочитанных письмах.
type EmailCollector struct {
	client *integrationClient
	log    zerolog.Logger
	now    func() time.Time
}

var _ domain.SignalCollector = (*EmailCollector)(nil)

// NewEmail создаёт сборщик почты.
func NewEmail(baseURL string, timeout time.Duration, log zerolog.Logger) (*EmailCollector, error) {
	client, err := newIntegrationClient("email", baseURL, timeout)
	if err != nil {
		return nil, err
	}
	return &EmailCollector{client: client, log: log, now: time.Now}, nil
}

func (c *EmailCollector) Name() string { return "email" }

type emailMessage struct {
	EmailID    string    `json:"email_id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Important  bool      `json:"important"`
	ReceivedAt time.Time `json:"received_at"`
}

// Collect возвращает сигналы по важным письмам за последние сутки.
func (c *EmailCollector) Collect(ctx context.Context, user domain.User) ([]domain.Signal, error) {
	var messages []emailMessage
	if err := c.client.getJSON(ctx, "/unread", user.ID, &messages); err != nil {
		if errors.Is(err, domain.ErrIntegrationUnavailable) {
			return nil, nil
		}
		return nil, err
	}

	now := c.now().UTC()
	var signals []domain.Signal
	for _, m := range messages {
		if !m.Important || now.Sub(m.ReceivedAt) > 24*time.Hour {
			continue
		}
		signals = append(signals, domain.Signal{
			Type:      domain.SignalEmailReceived,
			UserID:    user.ID,
			Timestamp: now,
			Source:    c.Name(),
			Data: map[string]any{
				"email_id": m.EmailID,
				"from":     m.From,
				"subject":  m.Subject,
			},
		}.WithDedupKey())
	}
	c.log.Debug().Int64("user", user.ID).Int("signals", len(signals)).Msg("почта: сбор завершён")
	return signals, nil
}
