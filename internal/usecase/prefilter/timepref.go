package prefilter

import (
	"context"

	"proactive-engine/internal/domain"
)

const (
	morningPrefStart = 6
	morningPrefEnd   = 12
	eveningPrefStart = 18
)

// TimePreference — явное пожелание пользователя о времени отправок,
// записанное трекером обратной связи («не пиши утром», «лучше вечером»).
type TimePreference struct {
	Avoid  string
	Prefer string
}

// Blocks сообщает, закрыт ли локальный час для несрочных отправок.
func (p TimePreference) Blocks(hour int) bool {
	if p.Avoid == "morning" && hour >= morningPrefStart && hour < morningPrefEnd {
		return true
	}
	if p.Prefer == "evening" && hour < eveningPrefStart {
		return true
	}
	return false
}

// DeferHour возвращает час, на который стоит откладывать заблокированную
// отправку, отталкиваясь от часа подъёма пользователя.
func (p TimePreference) DeferHour(wake int) int {
	switch {
	case p.Prefer == "evening":
		return eveningPrefStart
	case p.Avoid == "morning" && wake < morningPrefEnd:
		return morningPrefEnd
	}
	return wake
}

// LoadTimePreference читает мета-предпочтение времени пользователя.
func (s *Service) LoadTimePreference(ctx context.Context, userID int64) (TimePreference, error) {
	behavior, ok, err := s.behaviors.GetBehavior(ctx, userID, domain.BehaviorMetaTime)
	if err != nil || !ok {
		return TimePreference{}, err
	}
	var pref TimePreference
	if v, ok := behavior.Value["avoid"].(string); ok {
		pref.Avoid = v
	}
	if v, ok := behavior.Value["prefer"].(string); ok {
		pref.Prefer = v
	}
	return pref, nil
}
