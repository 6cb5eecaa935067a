package collectors

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
)

// Пороговые значения календарных сигналов.
const (
	upcomingHorizon = 24 * time.Hour
	minGap          = 90 * time.Minute
	busyDayEvents   = 5
	busyDayTotal    = 6 * time.Hour
)

// CalendarCollector добывает сигналы из календаря пользователя.
type CalendarCollector struct {
	client *integrationClient
	log    zerolog.Logger
	now    func() time.Time
}

var _ domain.SignalCollector = (*CalendarCollector)(nil)

// NewCalendar создаёт сборщик календаря.
func NewCalendar(baseURL string, timeout time.Duration, log zerolog.Logger) (*CalendarCollector, error) {
	client, err := newIntegrationClient("calendar", baseURL, timeout)
	if err != nil {
		return nil, err
	}
	return &CalendarCollector{client: client, log: log, now: time.Now}, nil
}

func (c *CalendarCollector) Name() string { return "calendar" }

type calendarEvent struct {
	EventID  string    `json:"event_id"`
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// Collect возвращает сигналы о событиях, окнах и загруженности дня.
func (c *CalendarCollector) Collect(ctx context.Context, user domain.User) ([]domain.Signal, error) {
	var events []calendarEvent
	if err := c.client.getJSON(ctx, "/events", user.ID, &events); err != nil {
		if errors.Is(err, domain.ErrIntegrationUnavailable) {
			return nil, nil
		}
		return nil, err
	}

	now := c.now().UTC()
	sort.Slice(events, func(i, j int) bool { return events[i].StartsAt.Before(events[j].StartsAt) })

	var signals []domain.Signal

	var todayEvents []calendarEvent
	var todayTotal time.Duration
	dayEnd := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	for _, ev := range events {
		if ev.StartsAt.Before(now) && ev.EndsAt.Before(now) {
			continue
		}
		if ev.StartsAt.Before(dayEnd) {
			todayEvents = append(todayEvents, ev)
			todayTotal += ev.EndsAt.Sub(ev.StartsAt)
		}
		if ev.StartsAt.After(now) && ev.StartsAt.Sub(now) <= upcomingHorizon {
			signals = append(signals, domain.Signal{
				Type:      domain.SignalEventUpcoming,
				UserID:    user.ID,
				Timestamp: now,
				Source:    c.Name(),
				Data: map[string]any{
					"event_id":  ev.EventID,
					"title":     ev.Title,
					"starts_at": ev.StartsAt.Format(time.RFC3339),
				},
			}.WithDedupKey())
		}
	}

	for i := 1; i < len(todayEvents); i++ {
		gap := todayEvents[i].StartsAt.Sub(todayEvents[i-1].EndsAt)
		if gap < minGap {
			continue
		}
		signals = append(signals, domain.Signal{
			Type:      domain.SignalScheduleGap,
			UserID:    user.ID,
			Timestamp: now,
			Source:    c.Name(),
			Data: map[string]any{
				"title":       "окно " + todayEvents[i-1].EndsAt.Format("15:04"),
				"gap_minutes": int(gap.Minutes()),
				"starts_at":   todayEvents[i-1].EndsAt.Format(time.RFC3339),
				"date":        todayEvents[i-1].EndsAt.Format("2006-01-02"),
			},
		}.WithDedupKey())
	}

	if len(todayEvents) >= busyDayEvents || todayTotal >= busyDayTotal {
		signals = append(signals, domain.Signal{
			Type:      domain.SignalBusyDay,
			UserID:    user.ID,
			Timestamp: now,
			Source:    c.Name(),
			Data: map[string]any{
				"events":      len(todayEvents),
				"total_hours": todayTotal.Hours(),
				"date":        now.Format("2006-01-02"),
			},
		}.WithDedupKey())
	}

	c.log.Debug().Int64("user", user.ID).Int("signals", len(signals)).Msg("календарь: сбор завершён")
	return signals, nil
}
