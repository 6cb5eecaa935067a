package trust

import (
	"time"

	"proactive-engine/internal/domain"
)

// Пороги неактивности для понижения ступени.
const (
	inactivityOneStep  = 30 * 24 * time.Hour
	inactivityTwoSteps = 60 * 24 * time.Hour
)

// tierParams задаёт параметры ступени доверия.
type tierParams struct {
	threshold  float64
	dailyCap   int
	minUrgency int
}

var tiers = map[domain.TrustLevel]tierParams{
	domain.TrustNew:         {threshold: 7.0, dailyCap: 2, minUrgency: 7},
	domain.TrustBuilding:    {threshold: 6.0, dailyCap: 3, minUrgency: 6},
	domain.TrustEstablished: {threshold: 5.5, dailyCap: 4, minUrgency: 5},
	domain.TrustDeep:        {threshold: 5.0, dailyCap: 5, minUrgency: 4},
}

// Service вычисляет проактивный бюджет пользователя.
type Service struct{}

// NewService создаёт модель доверия.
func NewService() *Service {
	return &Service{}
}

// Compute пересчитывает ступень доверия из возраста аккаунта и числа
// взаимодействий, затем понижает её за длительную неактивность.
// Понижение одностороннее: внутри одного вычисления ступень не растёт.
func (s *Service) Compute(user domain.User, now time.Time) domain.TrustInfo {
	daysActive := 0
	if !user.CreatedAt.IsZero() {
		daysActive = int(now.Sub(user.CreatedAt).Hours() / 24)
	}
	interactions := user.TotalMessages

	level := domain.TrustDeep
	switch {
	case daysActive < 14 || interactions < 20:
		level = domain.TrustNew
	case daysActive < 30 || interactions < 100:
		level = domain.TrustBuilding
	case daysActive < 90:
		level = domain.TrustEstablished
	}

	if !user.LastActiveAt.IsZero() {
		inactive := now.Sub(user.LastActiveAt)
		switch {
		case inactive >= inactivityTwoSteps:
			level = level.Demote(2)
		case inactive >= inactivityOneStep:
			level = level.Demote(1)
		}
	}

	params := tiers[level]
	return domain.TrustInfo{
		Level:             level,
		DaysActive:        daysActive,
		TotalInteractions: interactions,
		ScoreThreshold:    params.threshold,
		DailyCap:          params.dailyCap,
		MinUrgency:        params.minUrgency,
	}
}
