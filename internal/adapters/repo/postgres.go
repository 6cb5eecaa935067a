package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo        = (*Postgres)(nil)
	_ domain.SignalStateRepo = (*Postgres)(nil)
	_ domain.FeedbackRepo    = (*Postgres)(nil)
	_ domain.BehaviorRepo    = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// UpsertByTGID реализует domain.UserRepo.
func (p *Postgres) UpsertByTGID(ctx context.Context, tgUserID, chatID int64, locale, tz string) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	locale = strings.TrimSpace(locale)
	tz = strings.TrimSpace(tz)

	start := time.Now()
	var user domain.User
	err := p.pool.QueryRow(ctx, `
INSERT INTO users (tg_user_id, chat_id, locale, tz)
VALUES ($1, $2, COALESCE(NULLIF($3,''),'ru-RU'), NULLIF($4,''))
ON CONFLICT (tg_user_id) DO UPDATE SET chat_id = EXCLUDED.chat_id, locale = EXCLUDED.locale, tz = COALESCE(EXCLUDED.tz, users.tz), updated_at = now()
RETURNING id, tg_user_id, chat_id, locale, COALESCE(tz,''), wake_hour, sleep_hour, onboarded, created_at, updated_at, COALESCE(last_active_at, created_at), total_messages
`, tgUserID, chatID, locale, tz).Scan(
		&user.ID, &user.TGUserID, &user.ChatID, &user.Locale, &user.Timezone,
		&user.WakeTime, &user.SleepTime, &user.Onboarded,
		&user.CreatedAt, &user.UpdatedAt, &user.LastActiveAt, &user.TotalMessages,
	)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert пользователя: %w", err)
	}
	return user, nil
}

func (p *Postgres) scanUser(row pgx.Row) (domain.User, error) {
	var user domain.User
	err := row.Scan(
		&user.ID, &user.TGUserID, &user.ChatID, &user.Locale, &user.Timezone,
		&user.WakeTime, &user.SleepTime, &user.Onboarded,
		&user.CreatedAt, &user.UpdatedAt, &user.LastActiveAt, &user.TotalMessages,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

const userColumns = `id, tg_user_id, chat_id, locale, COALESCE(tz,''), wake_hour, sleep_hour, onboarded, created_at, updated_at, COALESCE(last_active_at, created_at), total_messages`

// GetByTGID возвращает пользователя по Telegram ID.
func (p *Postgres) GetByTGID(ctx context.Context, tgUserID int64) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	user, err := p.scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE tg_user_id = $1`, tgUserID))
	metrics.ObserveNetworkRequest("postgres", "users_get_by_tg", "users", start, err)
	return user, err
}

// GetByID возвращает пользователя по внутреннему ID.
func (p *Postgres) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	user, err := p.scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	metrics.ObserveNetworkRequest("postgres", "users_get_by_id", "users", start, err)
	return user, err
}

// ListOnboarded возвращает пользователей, включённых в проактивный цикл.
func (p *Postgres) ListOnboarded(ctx context.Context) ([]domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE onboarded ORDER BY id`)
	metrics.ObserveNetworkRequest("postgres", "users_list_onboarded", "users", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка пользователей: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := p.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// TouchActivity фиксирует входящее сообщение пользователя.
func (p *Postgres) TouchActivity(ctx context.Context, userID int64, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE users SET last_active_at = GREATEST(COALESCE(last_active_at, $2), $2), total_messages = total_messages + 1, updated_at = now()
WHERE id = $1
`, userID, at)
	metrics.ObserveNetworkRequest("postgres", "users_touch_activity", "users", start, err)
	return err
}

// ListStates возвращает состояния сигналов по ключам дедупликации.
func (p *Postgres) ListStates(ctx context.Context, userID int64, dedupKeys []string) (map[string]domain.SignalState, error) {
	states := make(map[string]domain.SignalState, len(dedupKeys))
	if len(dedupKeys) == 0 {
		return states, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, dedup_key, first_seen, last_seen, times_seen
FROM signal_states WHERE user_id = $1 AND dedup_key = ANY($2)
`, userID, dedupKeys)
	metrics.ObserveNetworkRequest("postgres", "signal_states_list", "signal_states", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка состояний сигналов: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st domain.SignalState
		if err := rows.Scan(&st.UserID, &st.DedupKey, &st.FirstSeen, &st.LastSeen, &st.TimesSeen); err != nil {
			return nil, err
		}
		states[st.DedupKey] = st
	}
	return states, rows.Err()
}

// SaveState создаёт либо обновляет состояние сигнала.
func (p *Postgres) SaveState(ctx context.Context, state domain.SignalState) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO signal_states (user_id, dedup_key, first_seen, last_seen, times_seen)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, dedup_key) DO UPDATE SET last_seen = EXCLUDED.last_seen, times_seen = EXCLUDED.times_seen
`, state.UserID, state.DedupKey, state.FirstSeen, state.LastSeen, state.TimesSeen)
	metrics.ObserveNetworkRequest("postgres", "signal_states_save", "signal_states", start, err)
	return err
}

func signalTypesToStrings(types []domain.SignalType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

func stringsToSignalTypes(raw []string) []domain.SignalType {
	out := make([]domain.SignalType, 0, len(raw))
	for _, s := range raw {
		out = append(out, domain.SignalType(s))
	}
	return out
}

// CreatePending создаёт запись обратной связи в состоянии pending.
func (p *Postgres) CreatePending(ctx context.Context, rec domain.FeedbackRecord) (domain.FeedbackRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Outcome == "" {
		rec.Outcome = domain.OutcomePending
	}
	if rec.DeliveryStatus == "" {
		rec.DeliveryStatus = domain.DeliveryStatusSent
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO feedback_records (id, user_id, category, trigger_signals, message, format, sent_at, outcome, delivery_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, rec.ID, rec.UserID, string(rec.Category), signalTypesToStrings(rec.TriggerSignals), rec.Message, string(rec.Format), rec.SentAt, string(rec.Outcome), string(rec.DeliveryStatus))
	metrics.ObserveNetworkRequest("postgres", "feedback_create", "feedback_records", start, err)
	if err != nil {
		return domain.FeedbackRecord{}, fmt.Errorf("создание записи обратной связи: %w", err)
	}
	return rec, nil
}

const feedbackColumns = `id, user_id, category, trigger_signals, message, format, sent_at, outcome, delivery_status, COALESCE(delivery_error,''), COALESCE(reply_sentiment,''), feedback_score, COALESCE(response_latency_seconds, 0)`

func scanFeedback(row pgx.Row) (domain.FeedbackRecord, error) {
	var (
		rec            domain.FeedbackRecord
		category       string
		triggerSignals []string
		format         string
		outcome        string
		status         string
		sentiment      string
		score          sql.NullFloat64
		latencySeconds float64
	)
	err := row.Scan(&rec.ID, &rec.UserID, &category, &triggerSignals, &rec.Message, &format,
		&rec.SentAt, &outcome, &status, &rec.DeliveryError, &sentiment, &score, &latencySeconds)
	if err != nil {
		return domain.FeedbackRecord{}, err
	}
	rec.Category = domain.Category(category)
	rec.TriggerSignals = stringsToSignalTypes(triggerSignals)
	rec.Format = domain.DeliveryFormat(format)
	rec.Outcome = domain.Outcome(outcome)
	rec.DeliveryStatus = domain.DeliveryStatus(status)
	rec.ReplySentiment = domain.ReplySentiment(sentiment)
	if score.Valid {
		v := score.Float64
		rec.FeedbackScore = &v
	}
	rec.ResponseLatency = time.Duration(latencySeconds * float64(time.Second))
	return rec, nil
}

// ListPending возвращает незакрытые записи пользователя.
func (p *Postgres) ListPending(ctx context.Context, userID int64) ([]domain.FeedbackRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+feedbackColumns+` FROM feedback_records
WHERE user_id = $1 AND outcome = 'pending' ORDER BY sent_at
`, userID)
	metrics.ObserveNetworkRequest("postgres", "feedback_list_pending", "feedback_records", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка pending записей: %w", err)
	}
	defer rows.Close()

	var recs []domain.FeedbackRecord
	for rows.Next() {
		rec, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetRecordByID возвращает запись обратной связи.
func (p *Postgres) GetRecordByID(ctx context.Context, id string) (domain.FeedbackRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rec, err := scanFeedback(p.pool.QueryRow(ctx, `SELECT `+feedbackColumns+` FROM feedback_records WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "feedback_get", "feedback_records", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FeedbackRecord{}, fmt.Errorf("запись %s не найдена: %w", id, err)
	}
	return rec, err
}

// CloseOutcome переводит запись в терминальный исход. Гонка закрытий
// разрешается условием outcome = 'pending': выигрывает первый.
func (p *Postgres) CloseOutcome(ctx context.Context, id string, outcome domain.Outcome, sentiment domain.ReplySentiment, score *float64, latency time.Duration) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var scoreValue sql.NullFloat64
	if score != nil {
		scoreValue = sql.NullFloat64{Float64: *score, Valid: true}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE feedback_records
SET outcome = $2, reply_sentiment = NULLIF($3,''), feedback_score = $4, response_latency_seconds = $5, closed_at = now()
WHERE id = $1 AND outcome = 'pending'
`, id, string(outcome), string(sentiment), scoreValue, latency.Seconds())
	metrics.ObserveNetworkRequest("postgres", "feedback_close", "feedback_records", start, err)
	if err == nil {
		metrics.IncOutcome(string(outcome))
	}
	return err
}

// MarkDeliveryFailed помечает запись как недоставленную.
func (p *Postgres) MarkDeliveryFailed(ctx context.Context, id string, cause string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE feedback_records SET delivery_status = 'failed', delivery_error = $2 WHERE id = $1
`, id, cause)
	metrics.ObserveNetworkRequest("postgres", "feedback_mark_failed", "feedback_records", start, err)
	return err
}

// CountSentSince считает проактивные отправки с указанного момента.
func (p *Postgres) CountSentSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var count int
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM feedback_records WHERE user_id = $1 AND sent_at >= $2
`, userID, since).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "feedback_count_since", "feedback_records", start, err)
	return count, err
}

// LastSentAt возвращает время последней проактивной отправки,
// нулевое время — отправок не было.
func (p *Postgres) LastSentAt(ctx context.Context, userID int64) (time.Time, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var last sql.NullTime
	err := p.pool.QueryRow(ctx, `
SELECT MAX(sent_at) FROM feedback_records WHERE user_id = $1
`, userID).Scan(&last)
	metrics.ObserveNetworkRequest("postgres", "feedback_last_sent", "feedback_records", start, err)
	if err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}

// ListSince возвращает записи за период для рефлексии.
func (p *Postgres) ListSince(ctx context.Context, userID int64, since time.Time) ([]domain.FeedbackRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+feedbackColumns+` FROM feedback_records
WHERE user_id = $1 AND sent_at >= $2 ORDER BY sent_at
`, userID, since)
	metrics.ObserveNetworkRequest("postgres", "feedback_list_since", "feedback_records", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка истории обратной связи: %w", err)
	}
	defer rows.Close()

	var recs []domain.FeedbackRecord
	for rows.Next() {
		rec, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetBehavior возвращает поведение по ключу; второй результат — найдено ли.
func (p *Postgres) GetBehavior(ctx context.Context, userID int64, key string) (domain.UserBehavior, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var (
		behavior = domain.UserBehavior{UserID: userID, Key: key}
		payload  []byte
	)
	err := p.pool.QueryRow(ctx, `
SELECT value, confidence, sample_size, last_computed
FROM user_behaviors WHERE user_id = $1 AND key = $2
`, userID, key).Scan(&payload, &behavior.Confidence, &behavior.SampleSize, &behavior.LastComputed)
	metrics.ObserveNetworkRequest("postgres", "behaviors_get", "user_behaviors", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserBehavior{}, false, nil
	}
	if err != nil {
		return domain.UserBehavior{}, false, fmt.Errorf("выборка поведения %s: %w", key, err)
	}
	if err := json.Unmarshal(payload, &behavior.Value); err != nil {
		return domain.UserBehavior{}, false, fmt.Errorf("разбор поведения %s: %w", key, err)
	}
	return behavior, true, nil
}

// UpsertBehavior сохраняет поведение (last-write-wins).
func (p *Postgres) UpsertBehavior(ctx context.Context, behavior domain.UserBehavior) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(behavior.Value)
	if err != nil {
		return fmt.Errorf("сериализация поведения %s: %w", behavior.Key, err)
	}
	if behavior.LastComputed.IsZero() {
		behavior.LastComputed = time.Now().UTC()
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO user_behaviors (user_id, key, value, confidence, sample_size, last_computed)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value, confidence = EXCLUDED.confidence, sample_size = EXCLUDED.sample_size, last_computed = EXCLUDED.last_computed
`, behavior.UserID, behavior.Key, payload, behavior.Confidence, behavior.SampleSize, behavior.LastComputed)
	metrics.ObserveNetworkRequest("postgres", "behaviors_upsert", "user_behaviors", start, err)
	return err
}
