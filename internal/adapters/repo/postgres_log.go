package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/infra/metrics"
)

var (
	_ domain.MessageLogRepo = (*Postgres)(nil)
	_ domain.DeferredRepo   = (*Postgres)(nil)
	_ domain.MemoryRepo     = (*Postgres)(nil)
)

// SaveSent добавляет исходящее сообщение в журнал.
func (p *Postgres) SaveSent(ctx context.Context, msg domain.SentMessage) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO sent_messages (user_id, text, category, format, proactive, sent_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, msg.UserID, msg.Text, string(msg.Category), string(msg.Format), msg.Proactive, msg.SentAt)
	metrics.ObserveNetworkRequest("postgres", "sent_messages_save", "sent_messages", start, err)
	return err
}

// ListRecentSent возвращает последние исходящие сообщения.
func (p *Postgres) ListRecentSent(ctx context.Context, userID int64, limit int) ([]domain.SentMessage, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, text, category, format, proactive, sent_at
FROM sent_messages WHERE user_id = $1 ORDER BY sent_at DESC LIMIT $2
`, userID, limit)
	metrics.ObserveNetworkRequest("postgres", "sent_messages_recent", "sent_messages", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка журнала отправок: %w", err)
	}
	defer rows.Close()

	var msgs []domain.SentMessage
	for rows.Next() {
		var (
			msg      domain.SentMessage
			category string
			format   string
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.Text, &category, &format, &msg.Proactive, &msg.SentAt); err != nil {
			return nil, err
		}
		msg.Category = domain.Category(category)
		msg.Format = domain.DeliveryFormat(format)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// SaveIncoming добавляет входящее сообщение пользователя в журнал.
func (p *Postgres) SaveIncoming(ctx context.Context, userID int64, text string, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO incoming_messages (user_id, text, received_at) VALUES ($1, $2, $3)
`, userID, text, at)
	metrics.ObserveNetworkRequest("postgres", "incoming_messages_save", "incoming_messages", start, err)
	return err
}

// ListIncomingSince возвращает входящие сообщения за период.
func (p *Postgres) ListIncomingSince(ctx context.Context, userID int64, since time.Time) ([]domain.IncomingMessage, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, text, received_at
FROM incoming_messages WHERE user_id = $1 AND received_at >= $2 ORDER BY received_at
`, userID, since)
	metrics.ObserveNetworkRequest("postgres", "incoming_messages_since", "incoming_messages", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка входящих сообщений: %w", err)
	}
	defer rows.Close()

	var msgs []domain.IncomingMessage
	for rows.Next() {
		var msg domain.IncomingMessage
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.Text, &msg.At); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// SaveDeferredSend сохраняет отложенную отправку.
func (p *Postgres) SaveDeferredSend(ctx context.Context, send domain.DeferredSend) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(send.Candidate)
	if err != nil {
		return fmt.Errorf("сериализация кандидата: %w", err)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO deferred_sends (user_id, candidate, created_at, due_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
`, send.UserID, payload, send.CreatedAt, send.DueAt, send.ExpiresAt)
	metrics.ObserveNetworkRequest("postgres", "deferred_sends_save", "deferred_sends", start, err)
	return err
}

// ListDueDeferredSends возвращает отправки, чьё время пришло.
func (p *Postgres) ListDueDeferredSends(ctx context.Context, now time.Time) ([]domain.DeferredSend, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, candidate, created_at, due_at, expires_at
FROM deferred_sends WHERE due_at <= $1 ORDER BY due_at
`, now)
	metrics.ObserveNetworkRequest("postgres", "deferred_sends_due", "deferred_sends", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка отложенных отправок: %w", err)
	}
	defer rows.Close()

	var sends []domain.DeferredSend
	for rows.Next() {
		var (
			send    domain.DeferredSend
			payload []byte
		)
		if err := rows.Scan(&send.ID, &send.UserID, &payload, &send.CreatedAt, &send.DueAt, &send.ExpiresAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &send.Candidate); err != nil {
			return nil, fmt.Errorf("разбор отложенного кандидата %d: %w", send.ID, err)
		}
		sends = append(sends, send)
	}
	return sends, rows.Err()
}

// DeleteDeferredSend удаляет отложенную отправку.
func (p *Postgres) DeleteDeferredSend(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM deferred_sends WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "deferred_sends_delete", "deferred_sends", start, err)
	return err
}

// SaveInsight сохраняет пограничного кандидата для реактивного использования.
func (p *Postgres) SaveInsight(ctx context.Context, insight domain.DeferredInsight) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(insight.Candidate)
	if err != nil {
		return fmt.Errorf("сериализация инсайта: %w", err)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO deferred_insights (user_id, candidate, created_at) VALUES ($1, $2, $3)
`, insight.UserID, payload, insight.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "deferred_insights_save", "deferred_insights", start, err)
	return err
}

// PruneInsights удаляет устаревшие инсайты, возвращает число удалённых.
func (p *Postgres) PruneInsights(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM deferred_insights WHERE created_at < $1`, olderThan)
	metrics.ObserveNetworkRequest("postgres", "deferred_insights_prune", "deferred_insights", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListFacts возвращает факты долговременной памяти пользователя.
func (p *Postgres) ListFacts(ctx context.Context, userID int64) ([]domain.MemoryFact, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, entity_name, content, confidence, last_referenced, created_at
FROM memory_facts WHERE user_id = $1 ORDER BY id
`, userID)
	metrics.ObserveNetworkRequest("postgres", "memory_facts_list", "memory_facts", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка фактов памяти: %w", err)
	}
	defer rows.Close()

	var facts []domain.MemoryFact
	for rows.Next() {
		var fact domain.MemoryFact
		if err := rows.Scan(&fact.ID, &fact.UserID, &fact.EntityName, &fact.Content, &fact.Confidence, &fact.LastReferenced, &fact.CreatedAt); err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

// UpdateFact сохраняет факт памяти.
func (p *Postgres) UpdateFact(ctx context.Context, fact domain.MemoryFact) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE memory_facts SET entity_name = $2, content = $3, confidence = $4, last_referenced = $5
WHERE id = $1
`, fact.ID, fact.EntityName, fact.Content, fact.Confidence, fact.LastReferenced)
	metrics.ObserveNetworkRequest("postgres", "memory_facts_update", "memory_facts", start, err)
	return err
}

// DeleteFact удаляет факт памяти.
func (p *Postgres) DeleteFact(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM memory_facts WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "memory_facts_delete", "memory_facts", start, err)
	return err
}
