package prefilter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/usecase/trust"
)

// BlockReason — именованная причина, по которой цикл остановлен до генерации.
type BlockReason string

const (
	BlockNone       BlockReason = ""
	BlockNoSignals  BlockReason = "no_signals"
	BlockLowUrgency BlockReason = "low_urgency"
	BlockQuietHours BlockReason = "quiet_hours"
	BlockDailyCap   BlockReason = "daily_cap"
	BlockCooldown   BlockReason = "cooldown"
)

const (
	// urgentOverrideLevel — сырая срочность, обходящая все оставшиеся ворота.
	urgentOverrideLevel = 8
	// sensitivityPenalty — штраф срочности для исторически игнорируемых типов.
	sensitivityPenalty = 2
	// sensitivityIgnoreRate — доля игнора, с которой тип считается нелюбимым.
	sensitivityIgnoreRate = 0.75
	// cooldownInterval — минимальная пауза между проактивными отправками.
	cooldownInterval = 30 * time.Minute

	defaultWakeHour  = 8
	defaultSleepHour = 23
)

// Decision — результат префильтра.
type Decision struct {
	Allowed bool
	Reason  BlockReason
	// QuietHours отмечает, что отправка заблокирована сном: лучший кандидат
	// в этом случае откладывается, а не выбрасывается.
	QuietHours  bool
	Signals     []domain.Signal
	Trust       domain.TrustInfo
	Suppression domain.CategorySuppression
}

// Service — дешёвые детерминированные ворота перед дорогой генерацией.
type Service struct {
	trust     *trust.Service
	behaviors domain.BehaviorRepo
	feedback  domain.FeedbackRepo
}

// NewService создаёт префильтр.
func NewService(trustSvc *trust.Service, behaviors domain.BehaviorRepo, feedback domain.FeedbackRepo) *Service {
	return &Service{trust: trustSvc, behaviors: behaviors, feedback: feedback}
}

// Run прогоняет сигналы через последовательность ворот. Ворота срабатывают
// по порядку, каждое со своей причиной; сырая срочность >=8 у любого сигнала
// обходит тихие часы, дневной лимит и кулдаун.
func (s *Service) Run(ctx context.Context, user domain.User, signals []domain.Signal, now time.Time) (Decision, error) {
	if len(signals) == 0 {
		return Decision{Reason: BlockNoSignals}, nil
	}

	trustInfo := s.trust.Compute(user, now)
	suppression, err := s.loadSuppression(ctx, user.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("загрузка подавлений: %w", err)
	}
	ignoredTypes, err := s.loadIgnoredTypes(ctx, user.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("загрузка чувствительности: %w", err)
	}

	urgentOverride := false
	var passed []domain.Signal
	for _, sig := range signals {
		raw := sig.Urgency()
		if raw >= urgentOverrideLevel {
			urgentOverride = true
			passed = append(passed, sig)
			continue
		}
		effective := raw
		if ignoredTypes[sig.Type] {
			effective -= sensitivityPenalty
		}
		if effective >= trustInfo.MinUrgency {
			passed = append(passed, sig)
		}
	}
	if len(passed) == 0 {
		return Decision{Reason: BlockLowUrgency, Trust: trustInfo}, nil
	}

	decision := Decision{
		Allowed:     true,
		Signals:     passed,
		Trust:       trustInfo,
		Suppression: suppression,
	}
	if urgentOverride {
		return decision, nil
	}

	if inSleepWindow(user, now) {
		return Decision{Reason: BlockQuietHours, QuietHours: true, Signals: passed, Trust: trustInfo, Suppression: suppression}, nil
	}

	timePref, err := s.LoadTimePreference(ctx, user.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("загрузка предпочтений времени: %w", err)
	}
	if timePref.Blocks(now.In(user.Location()).Hour()) {
		return Decision{Reason: BlockQuietHours, QuietHours: true, Signals: passed, Trust: trustInfo, Suppression: suppression}, nil
	}

	sentToday, err := s.feedback.CountSentSince(ctx, user.ID, localMidnight(user, now))
	if err != nil {
		return Decision{}, fmt.Errorf("подсчёт отправок за день: %w", err)
	}
	if sentToday >= trustInfo.DailyCap {
		return Decision{Reason: BlockDailyCap, Trust: trustInfo}, nil
	}

	lastSent, err := s.feedback.LastSentAt(ctx, user.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("время последней отправки: %w", err)
	}
	if !lastSent.IsZero() && now.Sub(lastSent) < cooldownInterval {
		return Decision{Reason: BlockCooldown, Trust: trustInfo}, nil
	}

	return decision, nil
}

func (s *Service) loadSuppression(ctx context.Context, userID int64) (domain.CategorySuppression, error) {
	behavior, ok, err := s.behaviors.GetBehavior(ctx, userID, domain.BehaviorCategorySuppression)
	if err != nil || !ok {
		return domain.CategorySuppression{}, err
	}
	raw, err := json.Marshal(behavior.Value)
	if err != nil {
		return domain.CategorySuppression{}, nil
	}
	var suppression domain.CategorySuppression
	if err := json.Unmarshal(raw, &suppression); err != nil {
		return domain.CategorySuppression{}, nil
	}
	return suppression, nil
}

func (s *Service) loadIgnoredTypes(ctx context.Context, userID int64) (map[domain.SignalType]bool, error) {
	behavior, ok, err := s.behaviors.GetBehavior(ctx, userID, domain.BehaviorSignalSensitivity)
	if err != nil || !ok {
		return nil, err
	}
	rates, ok := behavior.Value["rates"].(map[string]any)
	if !ok {
		return nil, nil
	}
	ignored := make(map[domain.SignalType]bool)
	for rawType, rawRate := range rates {
		rate, ok := rawRate.(float64)
		if !ok {
			continue
		}
		if rate >= sensitivityIgnoreRate {
			ignored[domain.SignalType(rawType)] = true
		}
	}
	return ignored, nil
}

// inSleepWindow проверяет попадание локального часа пользователя в окно сна
// с учётом перехода через полночь.
func inSleepWindow(user domain.User, now time.Time) bool {
	wake := user.WakeTime
	sleep := user.SleepTime
	if wake == 0 && sleep == 0 {
		wake = defaultWakeHour
		sleep = defaultSleepHour
	}
	if wake == sleep {
		return false
	}
	hour := now.In(user.Location()).Hour()
	if sleep > wake {
		// Окно сна переходит через полночь: [sleep, 24) и [0, wake).
		return hour >= sleep || hour < wake
	}
	return hour >= sleep && hour < wake
}

func localMidnight(user domain.User, now time.Time) time.Time {
	local := now.In(user.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}
