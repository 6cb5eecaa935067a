package collectors

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
)

const deadlineHorizon = 72 * time.Hour

// LMSCollector добывает сигналы из учебной платформы: дедлайны и оценки.
type LMSCollector struct {
	client *integrationClient
	log    zerolog.Logger
	now    func() time.Time
}

var _ domain.SignalCollector = (*LMSCollector)(nil)

// NewLMS создаёт сборщик учебной платформы.
func NewLMS(baseURL string, timeout time.Duration, log zerolog.Logger) (*LMSCollector, error) {
	client, err := newIntegrationClient("lms", baseURL, timeout)
	if err != nil {
		return nil, err
	}
	return &LMSCollector{client: client, log: log, now: time.Now}, nil
}

func (c *LMSCollector) Name() string { return "lms" }

type lmsAssignment struct {
	AssignmentID string    `json:"assignment_id"`
	Title        string    `json:"title"`
	Course       string    `json:"course"`
	Link         string    `json:"link"`
	DueAt        time.Time `json:"due_at"`
	Submitted    bool      `json:"submitted"`
}

type lmsGrade struct {
	GradeID    string    `json:"grade_id"`
	Course     string    `json:"course"`
	Assignment string    `json:"assignment"`
	Value      string    `json:"value"`
	PostedAt   time.Time `json:"posted_at"`
}

// Collect возвращает приближающиеся дедлайны и свежие оценки.
func (c *LMSCollector) Collect(ctx context.Context, user domain.User) ([]domain.Signal, error) {
	now := c.now().UTC()
	var signals []domain.Signal

	var assignments []lmsAssignment
	if err := c.client.getJSON(ctx, "/assignments", user.ID, &assignments); err != nil {
		if errors.Is(err, domain.ErrIntegrationUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	for _, a := range assignments {
		if a.Submitted || a.DueAt.Before(now) {
			continue
		}
		until := a.DueAt.Sub(now)
		if until > deadlineHorizon {
			continue
		}
		sig := domain.Signal{
			Type:      domain.SignalDeadlineApproaching,
			UserID:    user.ID,
			Timestamp: now,
			Source:    c.Name(),
			Data: map[string]any{
				"assignment_id": a.AssignmentID,
				"title":         a.Title,
				"course":        a.Course,
				"due_at":        a.DueAt.Format(time.RFC3339),
				"hours_left":    until.Hours(),
			},
		}
		if a.Link != "" {
			sig.Data["link"] = a.Link
		}
		if until <= 12*time.Hour {
			sig.UrgencyHint = 9
		}
		signals = append(signals, sig.WithDedupKey())
	}

	var grades []lmsGrade
	if err := c.client.getJSON(ctx, "/grades", user.ID, &grades); err != nil {
		if errors.Is(err, domain.ErrIntegrationUnavailable) {
			return signals, nil
		}
		return signals, err
	}
	for _, g := range grades {
		if now.Sub(g.PostedAt) > 7*24*time.Hour {
			continue
		}
		signals = append(signals, domain.Signal{
			Type:      domain.SignalGradePosted,
			UserID:    user.ID,
			Timestamp: now,
			Source:    c.Name(),
			Data: map[string]any{
				"grade_id":   g.GradeID,
				"course":     g.Course,
				"assignment": g.Assignment,
				"value":      g.Value,
			},
		}.WithDedupKey())
	}

	c.log.Debug().Int64("user", user.ID).Int("signals", len(signals)).Msg("LMS: сбор завершён")
	return signals, nil
}
