package trust

import (
	"testing"
	"time"

	"proactive-engine/internal/domain"
)

func TestComputeTierBoundaries(t *testing.T) {
	svc := NewService()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name         string
		daysAgo      int
		interactions int
		expected     domain.TrustLevel
	}{
		{"свежий пользователь", 3, 5, domain.TrustNew},
		{"мало сообщений при старом аккаунте", 40, 10, domain.TrustNew},
		{"ровно на границе new/building", 14, 20, domain.TrustBuilding},
		{"месяц и сотня сообщений", 45, 150, domain.TrustEstablished},
		{"три месяца", 90, 500, domain.TrustDeep},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user := domain.User{
				CreatedAt:     now.AddDate(0, 0, -tc.daysAgo),
				TotalMessages: tc.interactions,
				LastActiveAt:  now,
			}
			info := svc.Compute(user, now)
			if info.Level != tc.expected {
				t.Fatalf("ожидали %s, получили %s", tc.expected, info.Level)
			}
		})
	}
}

func TestComputeInactivityDemotion(t *testing.T) {
	svc := NewService()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	user := domain.User{
		CreatedAt:     now.AddDate(0, 0, -200),
		TotalMessages: 1000,
		LastActiveAt:  now.AddDate(0, 0, -65),
	}
	info := svc.Compute(user, now)
	if info.Level != domain.TrustBuilding {
		t.Fatalf("65 дней неактивности должны опускать deep на две ступени, получили %s", info.Level)
	}

	user.LastActiveAt = now.AddDate(0, 0, -35)
	info = svc.Compute(user, now)
	if info.Level != domain.TrustEstablished {
		t.Fatalf("35 дней неактивности должны опускать на одну ступень, получили %s", info.Level)
	}
}

func TestComputeUnknownUserIsNew(t *testing.T) {
	svc := NewService()
	info := svc.Compute(domain.User{}, time.Now().UTC())
	if info.Level != domain.TrustNew {
		t.Fatalf("пустая история должна давать new, получили %s", info.Level)
	}
	if info.ScoreThreshold != 7.0 || info.DailyCap != 2 || info.MinUrgency != 7 {
		t.Fatalf("параметры new не совпадают: %+v", info)
	}
}
