package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/usecase/dedup"
	"proactive-engine/internal/usecase/enrich"
	"proactive-engine/internal/usecase/feedback"
	"proactive-engine/internal/usecase/prefilter"
	"proactive-engine/internal/usecase/rules"
	"proactive-engine/internal/usecase/sender"
	"proactive-engine/internal/usecase/trust"
)

// --- заглушки ---

type stubUsers struct {
	users []domain.User
}

func (s *stubUsers) UpsertByTGID(_ context.Context, _, _ int64, _, _ string) (domain.User, error) {
	return domain.User{}, nil
}
func (s *stubUsers) GetByTGID(_ context.Context, _ int64) (domain.User, error) {
	return domain.User{}, domain.ErrUserNotFound
}
func (s *stubUsers) GetByID(_ context.Context, id int64) (domain.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrUserNotFound
}
func (s *stubUsers) ListOnboarded(_ context.Context) ([]domain.User, error) { return s.users, nil }
func (s *stubUsers) TouchActivity(_ context.Context, _ int64, _ time.Time) error {
	return nil
}

type stubStates struct {
	mu     sync.Mutex
	states map[string]domain.SignalState
}

func newStubStates() *stubStates {
	return &stubStates{states: map[string]domain.SignalState{}}
}

func (s *stubStates) ListStates(_ context.Context, userID int64, keys []string) (map[string]domain.SignalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]domain.SignalState{}
	for _, k := range keys {
		if st, ok := s.states[fmt.Sprintf("%d/%s", userID, k)]; ok {
			out[k] = st
		}
	}
	return out, nil
}

func (s *stubStates) SaveState(_ context.Context, st domain.SignalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[fmt.Sprintf("%d/%s", st.UserID, st.DedupKey)] = st
	return nil
}

type stubFeedback struct {
	mu      sync.Mutex
	created []domain.FeedbackRecord
	failed  map[string]string
	lastAt  time.Time
	count   int
}

func newStubFeedback() *stubFeedback {
	return &stubFeedback{failed: map[string]string{}}
}

func (s *stubFeedback) CreatePending(_ context.Context, rec domain.FeedbackRecord) (domain.FeedbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = "rec-1"
	rec.Outcome = domain.OutcomePending
	s.created = append(s.created, rec)
	return rec, nil
}
func (s *stubFeedback) ListPending(_ context.Context, _ int64) ([]domain.FeedbackRecord, error) {
	return nil, nil
}
func (s *stubFeedback) GetRecordByID(_ context.Context, _ string) (domain.FeedbackRecord, error) {
	return domain.FeedbackRecord{}, errors.New("нет записи")
}
func (s *stubFeedback) CloseOutcome(_ context.Context, _ string, _ domain.Outcome, _ domain.ReplySentiment, _ *float64, _ time.Duration) error {
	return nil
}
func (s *stubFeedback) MarkDeliveryFailed(_ context.Context, id string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = cause
	return nil
}
func (s *stubFeedback) CountSentSince(_ context.Context, _ int64, _ time.Time) (int, error) {
	return s.count, nil
}
func (s *stubFeedback) LastSentAt(_ context.Context, _ int64) (time.Time, error) {
	return s.lastAt, nil
}
func (s *stubFeedback) ListSince(_ context.Context, _ int64, _ time.Time) ([]domain.FeedbackRecord, error) {
	return nil, nil
}

type stubBehaviors struct {
	behaviors map[string]domain.UserBehavior
}

func (s *stubBehaviors) GetBehavior(_ context.Context, _ int64, key string) (domain.UserBehavior, bool, error) {
	b, ok := s.behaviors[key]
	return b, ok, nil
}
func (s *stubBehaviors) UpsertBehavior(_ context.Context, _ domain.UserBehavior) error { return nil }

type stubMessages struct {
	mu   sync.Mutex
	sent []domain.SentMessage
}

func (s *stubMessages) SaveSent(_ context.Context, msg domain.SentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}
func (s *stubMessages) ListRecentSent(_ context.Context, _ int64, _ int) ([]domain.SentMessage, error) {
	return nil, nil
}
func (s *stubMessages) SaveIncoming(_ context.Context, _ int64, _ string, _ time.Time) error {
	return nil
}
func (s *stubMessages) ListIncomingSince(_ context.Context, _ int64, _ time.Time) ([]domain.IncomingMessage, error) {
	return nil, nil
}

type stubDeferred struct {
	mu      sync.Mutex
	sends   []domain.DeferredSend
	deleted []int64
	nextID  int64
}

func (s *stubDeferred) SaveDeferredSend(_ context.Context, send domain.DeferredSend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	send.ID = s.nextID
	s.sends = append(s.sends, send)
	return nil
}
func (s *stubDeferred) ListDueDeferredSends(_ context.Context, now time.Time) ([]domain.DeferredSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.DeferredSend
	for _, d := range s.sends {
		if !d.DueAt.After(now) {
			due = append(due, d)
		}
	}
	return due, nil
}
func (s *stubDeferred) DeleteDeferredSend(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}
func (s *stubDeferred) SaveInsight(_ context.Context, _ domain.DeferredInsight) error { return nil }
func (s *stubDeferred) PruneInsights(_ context.Context, _ time.Time) (int, error)     { return 0, nil }

type stubCache struct {
	mu     sync.Mutex
	locks  map[string]bool
	denied bool
}

func newStubCache() *stubCache { return &stubCache{locks: map[string]bool{}} }

func (s *stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (s *stubCache) Get(_ context.Context, _ string) ([]byte, error)                  { return nil, nil }
func (s *stubCache) Delete(_ context.Context, _ string) error                         { return nil }
func (s *stubCache) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied || s.locks[key] {
		return false, nil
	}
	s.locks[key] = true
	return true, nil
}
func (s *stubCache) ReleaseLock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

type stubCollector struct {
	name    string
	signals []domain.Signal
	err     error
}

func (c *stubCollector) Name() string { return c.name }
func (c *stubCollector) Collect(_ context.Context, _ domain.User) ([]domain.Signal, error) {
	return c.signals, c.err
}

type stubSource struct {
	candidates []domain.Candidate
	calls      int
}

func (s *stubSource) Generate(_ context.Context, _ domain.CycleContext) ([]domain.Candidate, error) {
	s.calls++
	return s.candidates, nil
}

type stubChannel struct {
	mu   sync.Mutex
	sent []domain.OutgoingMessage
	fail bool
}

func (c *stubChannel) Send(_ context.Context, _ int64, msg domain.OutgoingMessage) (domain.DeliveryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return domain.DeliveryResult{}, errors.New("канал недоступен")
	}
	c.sent = append(c.sent, msg)
	return domain.DeliveryResult{Success: true}, nil
}

// --- сборка ---

type fixture struct {
	svc       *Service
	users     *stubUsers
	feedback  *stubFeedback
	messages  *stubMessages
	deferred  *stubDeferred
	cache     *stubCache
	channel   *stubChannel
	source    *stubSource
	collector *stubCollector
	behaviors *stubBehaviors
}

func newFixture(user domain.User, signals []domain.Signal, candidates []domain.Candidate) *fixture {
	f := &fixture{
		users:     &stubUsers{users: []domain.User{user}},
		feedback:  newStubFeedback(),
		messages:  &stubMessages{},
		deferred:  &stubDeferred{},
		cache:     newStubCache(),
		channel:   &stubChannel{},
		source:    &stubSource{candidates: candidates},
		collector: &stubCollector{name: "stub", signals: signals},
	}
	behaviors := &stubBehaviors{behaviors: map[string]domain.UserBehavior{}}
	f.behaviors = behaviors
	trustSvc := trust.NewService()
	f.svc = NewService(Deps{
		Users:      f.users,
		Collectors: []domain.SignalCollector{f.collector},
		Dedup:      dedup.NewService(newStubStates()),
		Enrich:     enrich.NewService(),
		Prefilter:  prefilter.NewService(trustSvc, behaviors, f.feedback),
		Trust:      trustSvc,
		Source:     f.source,
		Rules:      rules.NewService(f.deferred, behaviors, func() float64 { return 0.99 }),
		Sender:     sender.NewService(f.channel, zerolog.Nop()),
		Tracker:    feedback.NewTracker(f.feedback, behaviors, f.users, f.messages, zerolog.Nop()),
		Feedback:   f.feedback,
		Behaviors:  behaviors,
		Messages:   f.messages,
		Deferred:   f.deferred,
		Cache:      f.cache,
	}, zerolog.Nop())
	return f
}

func testUser() domain.User {
	return domain.User{
		ID:        1,
		ChatID:    100,
		Timezone:  "UTC",
		WakeTime:  8,
		SleepTime: 23,
		Onboarded: true,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func deadlineSignal() domain.Signal {
	return domain.Signal{
		Type:   domain.SignalDeadlineApproaching,
		UserID: 1,
		Data:   map[string]any{"assignment_id": "a1", "title": "лаба"},
	}.WithDedupKey()
}

func strongCandidate() domain.Candidate {
	return domain.Candidate{
		Message:        "Лаба по физике горит, дедлайн завтра в 18:00.",
		Relevance:      9,
		Timing:         8,
		Urgency:        9,
		Category:       domain.CategoryDeadlineWarning,
		TriggerSignals: []domain.SignalType{domain.SignalDeadlineApproaching},
	}
}

// --- тесты ---

func TestRunForUserSendsTopCandidate(t *testing.T) {
	f := newFixture(testUser(), []domain.Signal{deadlineSignal()}, []domain.Candidate{strongCandidate()})
	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)

	if err := f.svc.RunForUser(context.Background(), testUser(), now); err != nil {
		t.Fatalf("цикл: %v", err)
	}
	if len(f.channel.sent) != 1 {
		t.Fatalf("ожидали одну отправку, было %d", len(f.channel.sent))
	}
	if len(f.feedback.created) != 1 {
		t.Fatalf("ожидали одну запись обратной связи, было %d", len(f.feedback.created))
	}
	rec := f.feedback.created[0]
	if rec.Category != domain.CategoryDeadlineWarning || rec.Outcome != domain.OutcomePending {
		t.Fatalf("запись: %+v", rec)
	}
	if len(f.messages.sent) != 1 || !f.messages.sent[0].Proactive {
		t.Fatalf("журнал отправок: %+v", f.messages.sent)
	}
}

func TestRunForUserQuietHoursDefers(t *testing.T) {
	f := newFixture(testUser(), []domain.Signal{deadlineSignal()}, []domain.Candidate{strongCandidate()})
	// 02:00 — внутри окна сна 23..8. Срочность 7 проходит порог доверия,
	// но не дотягивает до срочного обхода тихих часов.
	sig := domain.Signal{
		Type:        domain.SignalEventUpcoming,
		UserID:      1,
		UrgencyHint: 7,
		Data:        map[string]any{"event_id": "e1", "title": "пара"},
	}.WithDedupKey()
	f.collector.signals = []domain.Signal{sig}
	cand := strongCandidate()
	cand.TriggerSignals = []domain.SignalType{domain.SignalEventUpcoming}
	f.source.candidates = []domain.Candidate{cand}

	now := time.Date(2025, 4, 7, 2, 0, 0, 0, time.UTC)
	if err := f.svc.RunForUser(context.Background(), testUser(), now); err != nil {
		t.Fatalf("цикл: %v", err)
	}
	if len(f.channel.sent) != 0 {
		t.Fatalf("в тихие часы отправок быть не должно, было %d", len(f.channel.sent))
	}
	if len(f.deferred.sends) != 1 {
		t.Fatalf("ожидали отложенную отправку, было %d", len(f.deferred.sends))
	}
	due := f.deferred.sends[0].DueAt
	want := time.Date(2025, 4, 7, 8, 0, 0, 0, time.UTC)
	if !due.Equal(want) {
		t.Fatalf("срок отложенной отправки %v, ожидали %v", due, want)
	}
}

func TestRunForUserDefersToPreferredEvening(t *testing.T) {
	f := newFixture(testUser(), []domain.Signal{deadlineSignal()}, []domain.Candidate{strongCandidate()})
	// Выученное «лучше вечером» сдвигает отложенную отправку с подъёма на вечер.
	f.behaviors.behaviors[domain.BehaviorMetaTime] = domain.UserBehavior{
		UserID: 1,
		Key:    domain.BehaviorMetaTime,
		Value:  map[string]any{"prefer": "evening"},
	}
	sig := domain.Signal{
		Type:        domain.SignalEventUpcoming,
		UserID:      1,
		UrgencyHint: 7,
		Data:        map[string]any{"event_id": "e2", "title": "семинар"},
	}.WithDedupKey()
	f.collector.signals = []domain.Signal{sig}
	cand := strongCandidate()
	cand.TriggerSignals = []domain.SignalType{domain.SignalEventUpcoming}
	f.source.candidates = []domain.Candidate{cand}

	now := time.Date(2025, 4, 7, 2, 0, 0, 0, time.UTC)
	if err := f.svc.RunForUser(context.Background(), testUser(), now); err != nil {
		t.Fatalf("цикл: %v", err)
	}
	if len(f.deferred.sends) != 1 {
		t.Fatalf("ожидали отложенную отправку, было %d", len(f.deferred.sends))
	}
	due := f.deferred.sends[0].DueAt
	want := time.Date(2025, 4, 7, 18, 0, 0, 0, time.UTC)
	if !due.Equal(want) {
		t.Fatalf("срок отложенной отправки %v, ожидали %v", due, want)
	}
}

func TestRunForUserSkipsWhenLockBusy(t *testing.T) {
	f := newFixture(testUser(), []domain.Signal{deadlineSignal()}, []domain.Candidate{strongCandidate()})
	f.cache.denied = true

	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	if err := f.svc.RunForUser(context.Background(), testUser(), now); err != nil {
		t.Fatalf("занятая аренда не должна быть ошибкой: %v", err)
	}
	if f.source.calls != 0 || len(f.channel.sent) != 0 {
		t.Fatal("цикл не должен был выполняться под чужой арендой")
	}
}

func TestRunForUserCollectorFailureIsolated(t *testing.T) {
	f := newFixture(testUser(), nil, []domain.Candidate{strongCandidate()})
	f.collector.err = errors.New("календарь упал")
	// Второй сборщик продолжает работать.
	f.svc.collectors = append(f.svc.collectors, &stubCollector{name: "ok", signals: []domain.Signal{deadlineSignal()}})

	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	if err := f.svc.RunForUser(context.Background(), testUser(), now); err != nil {
		t.Fatalf("цикл: %v", err)
	}
	if len(f.channel.sent) != 1 {
		t.Fatalf("сигналы живого сборщика должны были дойти до отправки, было %d", len(f.channel.sent))
	}
}

func TestRunForUserDeliveryFailureMarksRecord(t *testing.T) {
	f := newFixture(testUser(), []domain.Signal{deadlineSignal()}, []domain.Candidate{strongCandidate()})
	f.channel.fail = true

	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	err := f.svc.RunForUser(context.Background(), testUser(), now)
	if !errors.Is(err, domain.ErrDeliveryFailure) {
		t.Fatalf("ожидали ошибку доставки, получили %v", err)
	}
	if cause, ok := f.feedback.failed["rec-1"]; !ok || cause == "" {
		t.Fatalf("запись должна быть помечена недоставленной: %v", f.feedback.failed)
	}
}

func TestSweepDeferredExpiresStale(t *testing.T) {
	f := newFixture(testUser(), nil, nil)
	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	_ = f.deferred.SaveDeferredSend(context.Background(), domain.DeferredSend{
		UserID:    1,
		Candidate: strongCandidate(),
		CreatedAt: now.Add(-15 * time.Hour),
		DueAt:     now.Add(-7 * time.Hour),
		ExpiresAt: now.Add(-5 * time.Hour),
	})

	if err := f.svc.SweepDeferred(context.Background(), now); err != nil {
		t.Fatalf("развёртка: %v", err)
	}
	if len(f.channel.sent) != 0 {
		t.Fatal("просроченный кандидат не должен отправляться")
	}
	if len(f.deferred.deleted) != 1 {
		t.Fatalf("просроченная запись должна удаляться, удалено %d", len(f.deferred.deleted))
	}
}

func TestSweepDeferredSendsDue(t *testing.T) {
	f := newFixture(testUser(), nil, nil)
	now := time.Date(2025, 4, 7, 8, 30, 0, 0, time.UTC)
	_ = f.deferred.SaveDeferredSend(context.Background(), domain.DeferredSend{
		UserID:    1,
		Candidate: strongCandidate(),
		CreatedAt: now.Add(-6 * time.Hour),
		DueAt:     now.Add(-30 * time.Minute),
		ExpiresAt: now.Add(90 * time.Minute),
	})

	if err := f.svc.SweepDeferred(context.Background(), now); err != nil {
		t.Fatalf("развёртка: %v", err)
	}
	if len(f.channel.sent) != 1 {
		t.Fatalf("созревший кандидат должен уйти, отправок %d", len(f.channel.sent))
	}
	if len(f.deferred.deleted) != 1 {
		t.Fatal("доставленная запись должна удаляться")
	}
}

func TestSweepDeferredRespectsCooldown(t *testing.T) {
	f := newFixture(testUser(), nil, nil)
	now := time.Date(2025, 4, 7, 8, 30, 0, 0, time.UTC)
	f.feedback.lastAt = now.Add(-10 * time.Minute)
	_ = f.deferred.SaveDeferredSend(context.Background(), domain.DeferredSend{
		UserID:    1,
		Candidate: strongCandidate(),
		CreatedAt: now.Add(-2 * time.Hour),
		DueAt:     now.Add(-5 * time.Minute),
		ExpiresAt: now.Add(2 * time.Hour),
	})

	if err := f.svc.SweepDeferred(context.Background(), now); err != nil {
		t.Fatalf("развёртка: %v", err)
	}
	if len(f.channel.sent) != 0 {
		t.Fatal("кулдаун должен удержать отложенную отправку")
	}
	if len(f.deferred.deleted) != 0 {
		t.Fatal("неотправленная запись должна дождаться следующей развёртки")
	}
}

func TestRunAllIsolatesUsers(t *testing.T) {
	good := testUser()
	bad := testUser()
	bad.ID = 2
	bad.ChatID = 0

	f := newFixture(good, []domain.Signal{deadlineSignal()}, []domain.Candidate{strongCandidate()})
	f.users.users = []domain.User{good, bad}

	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	if err := f.svc.RunAll(context.Background(), now); err != nil {
		t.Fatalf("общий цикл: %v", err)
	}
	// Оба пользователя получают по циклу; отправки считаем по каналу.
	if len(f.channel.sent) != 2 {
		t.Fatalf("ожидали по отправке на пользователя, было %d", len(f.channel.sent))
	}
}
