package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/infra/metrics"
	"proactive-engine/internal/usecase/dedup"
	"proactive-engine/internal/usecase/enrich"
	"proactive-engine/internal/usecase/feedback"
	"proactive-engine/internal/usecase/prefilter"
	"proactive-engine/internal/usecase/rules"
	"proactive-engine/internal/usecase/sender"
	"proactive-engine/internal/usecase/trust"
)

const (
	cycleLockTTL    = 4 * time.Minute
	cooldown        = 30 * time.Minute
	deferredMaxAge  = 12 * time.Hour
	recentSentLimit = 10
	defaultWakeHour = 8
)

// Service — оркестратор проактивного цикла: сбор сигналов, ворота,
// генерация, отбор и доставка. За цикл пользователю уходит не больше
// одного сообщения.
type Service struct {
	users      domain.UserRepo
	collectors []domain.SignalCollector
	dedup      *dedup.Service
	enrich     *enrich.Service
	prefilter  *prefilter.Service
	trust      *trust.Service
	source     domain.CandidateSource
	rules      *rules.Service
	sender     *sender.Service
	tracker    *feedback.Tracker
	feedback   domain.FeedbackRepo
	behaviors  domain.BehaviorRepo
	messages   domain.MessageLogRepo
	deferred   domain.DeferredRepo
	cache      domain.Cache
	log        zerolog.Logger
}

// Deps перечисляет зависимости оркестратора.
type Deps struct {
	Users      domain.UserRepo
	Collectors []domain.SignalCollector
	Dedup      *dedup.Service
	Enrich     *enrich.Service
	Prefilter  *prefilter.Service
	Trust      *trust.Service
	Source     domain.CandidateSource
	Rules      *rules.Service
	Sender     *sender.Service
	Tracker    *feedback.Tracker
	Feedback   domain.FeedbackRepo
	Behaviors  domain.BehaviorRepo
	Messages   domain.MessageLogRepo
	Deferred   domain.DeferredRepo
	Cache      domain.Cache
}

// NewService создаёт оркестратор.
func NewService(deps Deps, log zerolog.Logger) *Service {
	return &Service{
		users:      deps.Users,
		collectors: deps.Collectors,
		dedup:      deps.Dedup,
		enrich:     deps.Enrich,
		prefilter:  deps.Prefilter,
		trust:      deps.Trust,
		source:     deps.Source,
		rules:      deps.Rules,
		sender:     deps.Sender,
		tracker:    deps.Tracker,
		feedback:   deps.Feedback,
		behaviors:  deps.Behaviors,
		messages:   deps.Messages,
		deferred:   deps.Deferred,
		cache:      deps.Cache,
		log:        log,
	}
}

// RunAll запускает цикл для всех подключённых пользователей. Ошибка одного
// пользователя никогда не прерывает остальных.
func (s *Service) RunAll(ctx context.Context, now time.Time) error {
	users, err := s.users.ListOnboarded(ctx)
	if err != nil {
		return fmt.Errorf("выборка пользователей цикла: %w", err)
	}

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(user domain.User) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Int64("user", user.ID).Any("panic", r).Msg("loop: паника в цикле пользователя")
				}
			}()
			if err := s.RunForUser(ctx, user, now); err != nil {
				s.log.Error().Err(err).Int64("user", user.ID).Msg("loop: цикл пользователя не завершён")
			}
		}(user)
	}
	wg.Wait()
	return nil
}

// RunForUser выполняет один проактивный цикл пользователя.
func (s *Service) RunForUser(ctx context.Context, user domain.User, now time.Time) error {
	lockKey := fmt.Sprintf("cycle:%d", user.ID)
	acquired, err := s.cache.AcquireLock(ctx, lockKey, cycleLockTTL)
	if err != nil {
		return fmt.Errorf("аренда цикла: %w", err)
	}
	if !acquired {
		s.log.Debug().Int64("user", user.ID).Msg("loop: цикл уже выполняется")
		return nil
	}
	defer func() {
		if err := s.cache.ReleaseLock(context.WithoutCancel(ctx), lockKey); err != nil {
			s.log.Warn().Err(err).Int64("user", user.ID).Msg("loop: снятие аренды")
		}
	}()

	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	// Просроченные ожидания закрываются до новых решений, чтобы счётчики
	// и подавление видели свежие исходы.
	if err := s.tracker.CloseExpired(ctx, user.ID, now); err != nil {
		s.log.Warn().Err(err).Int64("user", user.ID).Msg("loop: закрытие просроченных записей")
	}

	signals := s.collectSignals(ctx, user)
	signals, err = s.dedup.Filter(ctx, user.ID, signals, now)
	if err != nil {
		return fmt.Errorf("дедупликация: %w", err)
	}
	signals = s.enrich.Enrich(signals)
	for _, sig := range signals {
		metrics.SignalsTotal.WithLabelValues(string(sig.Type)).Inc()
	}

	decision, err := s.prefilter.Run(ctx, user, signals, now)
	if err != nil {
		return fmt.Errorf("префильтр: %w", err)
	}
	if !decision.Allowed && !decision.QuietHours {
		metrics.IncBlock(string(decision.Reason))
		return nil
	}

	recent, err := s.messages.ListRecentSent(ctx, user.ID, recentSentLimit)
	if err != nil {
		s.log.Warn().Err(err).Int64("user", user.ID).Msg("loop: журнал отправок недоступен")
	}
	cycle := domain.CycleContext{
		User:           user,
		Now:            now,
		Signals:        decision.Signals,
		Trust:          decision.Trust,
		Suppression:    decision.Suppression,
		RecentMessages: recent,
	}

	candidates, err := s.source.Generate(ctx, cycle)
	if err != nil {
		// Невалидный вывод источника равен пустому циклу.
		if errors.Is(err, domain.ErrMalformedOutput) {
			s.log.Warn().Err(err).Int64("user", user.ID).Msg("loop: источник кандидатов вернул мусор")
			return nil
		}
		return fmt.Errorf("генерация кандидатов: %w", err)
	}

	selected, err := s.rules.Select(ctx, cycle, candidates)
	if err != nil {
		return fmt.Errorf("отбор кандидатов: %w", err)
	}
	if len(selected) == 0 {
		return nil
	}
	top := selected[0]

	if decision.QuietHours {
		metrics.IncBlock(string(prefilter.BlockQuietHours))
		return s.deferUntilWake(ctx, user, top, now)
	}
	return s.send(ctx, user, top, now)
}

// collectSignals опрашивает сборщики с изоляцией отказов.
func (s *Service) collectSignals(ctx context.Context, user domain.User) []domain.Signal {
	var signals []domain.Signal
	for _, collector := range s.collectors {
		collected, err := collector.Collect(ctx, user)
		if err != nil {
			metrics.CollectorErrors.WithLabelValues(collector.Name()).Inc()
			s.log.Warn().Err(err).Str("collector", collector.Name()).Int64("user", user.ID).Msg("loop: сборщик недоступен")
			continue
		}
		signals = append(signals, collected...)
	}
	return signals
}

// send доставляет кандидата и заводит ожидание обратной связи.
func (s *Service) send(ctx context.Context, user domain.User, cand domain.Candidate, now time.Time) error {
	rec, err := s.feedback.CreatePending(ctx, domain.FeedbackRecord{
		UserID:         user.ID,
		Category:       cand.Category,
		TriggerSignals: cand.TriggerSignals,
		Message:        cand.Message,
		SentAt:         now,
	})
	if err != nil {
		return fmt.Errorf("создание записи обратной связи: %w", err)
	}

	delivery, err := s.sender.Deliver(ctx, user, cand, s.preferredFormat(ctx, user.ID))
	if err != nil {
		if markErr := s.feedback.MarkDeliveryFailed(ctx, rec.ID, err.Error()); markErr != nil {
			s.log.Error().Err(markErr).Str("record", rec.ID).Msg("loop: отметка о недоставке")
		}
		return fmt.Errorf("доставка: %w", err)
	}

	if err := s.messages.SaveSent(ctx, domain.SentMessage{
		UserID:    user.ID,
		Text:      delivery.Text,
		Category:  cand.Category,
		Format:    delivery.Format,
		Proactive: true,
		SentAt:    now,
	}); err != nil {
		s.log.Error().Err(err).Int64("user", user.ID).Msg("loop: запись в журнал отправок")
	}

	metrics.IncSend(string(cand.Category), string(delivery.Format))
	s.log.Info().Int64("user", user.ID).Str("category", string(cand.Category)).
		Str("format", string(delivery.Format)).Float64("score", cand.CompositeScore).
		Bool("explored", cand.Explored).Msg("loop: проактивное сообщение отправлено")
	return nil
}

// preferredFormat читает явное предпочтение формата из поведенческой модели.
func (s *Service) preferredFormat(ctx context.Context, userID int64) domain.DeliveryFormat {
	for _, key := range []string{domain.BehaviorMetaFormat, domain.BehaviorPreferredFormat} {
		behavior, ok, err := s.behaviors.GetBehavior(ctx, userID, key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("loop: поведение недоступно")
			continue
		}
		if !ok {
			continue
		}
		if format, ok := behavior.Value["format"].(string); ok && format != "" {
			return domain.DeliveryFormat(format)
		}
	}
	return ""
}

// deferUntilWake откладывает лучшего кандидата до конца тихих часов,
// учитывая явные пожелания пользователя о времени отправок.
func (s *Service) deferUntilWake(ctx context.Context, user domain.User, cand domain.Candidate, now time.Time) error {
	timePref, err := s.prefilter.LoadTimePreference(ctx, user.ID)
	if err != nil {
		s.log.Warn().Err(err).Int64("user", user.ID).Msg("loop: предпочтения времени недоступны")
	}
	due := nextSendTime(user, now, timePref)
	send := domain.DeferredSend{
		UserID:    user.ID,
		Candidate: cand,
		CreatedAt: now,
		DueAt:     due,
		ExpiresAt: due.Add(2 * time.Hour),
	}
	if err := s.deferred.SaveDeferredSend(ctx, send); err != nil {
		return fmt.Errorf("сохранение отложенной отправки: %w", err)
	}
	s.log.Info().Int64("user", user.ID).Time("due", due).Msg("loop: кандидат отложен до пробуждения")
	return nil
}

// nextSendTime возвращает ближайшее подходящее время отправки в поясе
// пользователя: час подъёма, сдвинутый предпочтениями времени.
func nextSendTime(user domain.User, now time.Time, pref prefilter.TimePreference) time.Time {
	wake := user.WakeTime
	if wake <= 0 || wake > 23 {
		wake = defaultWakeHour
	}
	hour := pref.DeferHour(wake)
	local := now.In(user.Location())
	due := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, local.Location())
	if !due.After(local) {
		due = due.Add(24 * time.Hour)
	}
	return due.UTC()
}

// SweepDeferred доставляет созревшие отложенные отправки. Просроченные
// записи истекают без отправки; остальные повторно проходят кулдаун и
// дневной лимит.
func (s *Service) SweepDeferred(ctx context.Context, now time.Time) error {
	due, err := s.deferred.ListDueDeferredSends(ctx, now)
	if err != nil {
		return fmt.Errorf("выборка отложенных отправок: %w", err)
	}

	sent := make(map[int64]bool)
	for _, d := range due {
		if now.After(d.ExpiresAt) || now.Sub(d.CreatedAt) > deferredMaxAge {
			s.log.Info().Int64("user", d.UserID).Int64("deferred", d.ID).
				Err(domain.ErrStaleCandidate).Msg("loop: отложенная отправка истекла")
			if err := s.deferred.DeleteDeferredSend(ctx, d.ID); err != nil {
				s.log.Error().Err(err).Int64("deferred", d.ID).Msg("loop: удаление отложенной отправки")
			}
			continue
		}
		// Не больше одной отложенной доставки на пользователя за развёртку.
		if sent[d.UserID] {
			continue
		}

		user, err := s.users.GetByID(ctx, d.UserID)
		if err != nil {
			s.log.Error().Err(err).Int64("user", d.UserID).Msg("loop: пользователь отложенной отправки")
			continue
		}
		ok, err := s.recheckGates(ctx, user, now)
		if err != nil {
			s.log.Error().Err(err).Int64("user", d.UserID).Msg("loop: повторная проверка ворот")
			continue
		}
		if !ok {
			// Ворота закрыты: ждём следующей развёртки.
			continue
		}

		if err := s.send(ctx, user, d.Candidate, now); err != nil {
			s.log.Error().Err(err).Int64("user", d.UserID).Msg("loop: отложенная доставка")
			continue
		}
		sent[d.UserID] = true
		if err := s.deferred.DeleteDeferredSend(ctx, d.ID); err != nil {
			s.log.Error().Err(err).Int64("deferred", d.ID).Msg("loop: удаление доставленной отправки")
		}
	}
	return nil
}

// recheckGates повторяет кулдаун и дневной лимит перед отложенной доставкой.
func (s *Service) recheckGates(ctx context.Context, user domain.User, now time.Time) (bool, error) {
	last, err := s.feedback.LastSentAt(ctx, user.ID)
	if err != nil {
		return false, err
	}
	if !last.IsZero() && now.Sub(last) < cooldown {
		return false, nil
	}

	info := s.trust.Compute(user, now)
	local := now.In(user.Location())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	count, err := s.feedback.CountSentSince(ctx, user.ID, midnight.UTC())
	if err != nil {
		return false, err
	}
	return count < info.DailyCap, nil
}
