package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/infra/metrics"
)

// RabbitQueue реализует domain.ReplyQueue поверх RabbitMQ.
// Шлюз публикует события ответов, движок их потребляет.
type RabbitQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	queue      string
	deliveries <-chan amqp.Delivery
}

var _ domain.ReplyQueue = (*RabbitQueue)(nil)

// NewRabbit подключается к брокеру и объявляет очередь.
func NewRabbit(url, queue string) (*RabbitQueue, error) {
	start := time.Now()
	conn, err := amqp.Dial(url)
	metrics.ObserveNetworkRequest("queue", "dial", "rabbitmq", start, err)
	if err != nil {
		return nil, fmt.Errorf("подключение к rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("открытие канала rabbitmq: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("объявление очереди %s: %w", queue, err)
	}
	return &RabbitQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует событие ответа.
func (q *RabbitQueue) Enqueue(ctx context.Context, event domain.ReplyEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	metrics.ObserveNetworkRequest("queue", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("публикация события: %w", err)
	}
	return nil
}

// Pop блокируется до следующего события или отмены контекста.
func (q *RabbitQueue) Pop(ctx context.Context) (domain.ReplyEvent, error) {
	if q.deliveries == nil {
		deliveries, err := q.ch.Consume(q.queue, "", true, false, false, false, nil)
		if err != nil {
			return domain.ReplyEvent{}, fmt.Errorf("подписка на очередь %s: %w", q.queue, err)
		}
		q.deliveries = deliveries
	}
	select {
	case <-ctx.Done():
		return domain.ReplyEvent{}, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return domain.ReplyEvent{}, errors.New("канал rabbitmq закрыт")
		}
		var event domain.ReplyEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			return domain.ReplyEvent{}, fmt.Errorf("разбор события: %w", err)
		}
		return event, nil
	}
}

// Close закрывает канал и соединение.
func (q *RabbitQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
