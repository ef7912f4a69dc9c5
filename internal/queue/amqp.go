package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	ContinuationsExchange = "imagejobs.continuations"
	ReadyQueue            = "imagejobs.continuations.ready"
	DelayQueue            = "imagejobs.continuations.delay"

	readyRoutingKey = "ready"
	delayRoutingKey = "delay"
)

// AMQPQ carries continuations over RabbitMQ. Delayed continuations sit in a
// queue without consumers until their per-message TTL expires and they are
// dead-lettered back to the ready queue.
type AMQPQ struct {
	conn *amqp.Connection
	now  func() time.Time

	mu sync.Mutex
	ch *amqp.Channel
}

func DialAMQP(url string) (*AMQPQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "connect to RabbitMQ")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	q := &AMQPQ{conn: conn, ch: ch, now: time.Now}
	if err := q.setupTopology(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

// setupTopology declares the exchange and both queues. Idempotent.
func (q *AMQPQ) setupTopology() error {
	if err := q.ch.ExchangeDeclare(ContinuationsExchange, "direct", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare exchange")
	}
	if _, err := q.ch.QueueDeclare(ReadyQueue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare ready queue")
	}
	if err := q.ch.QueueBind(ReadyQueue, readyRoutingKey, ContinuationsExchange, false, nil); err != nil {
		return errors.Wrap(err, "bind ready queue")
	}
	_, err := q.ch.QueueDeclare(DelayQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    ContinuationsExchange,
		"x-dead-letter-routing-key": readyRoutingKey,
	})
	if err != nil {
		return errors.Wrap(err, "declare delay queue")
	}
	return errors.Wrap(q.ch.QueueBind(DelayQueue, delayRoutingKey, ContinuationsExchange, false, nil), "bind delay queue")
}

// Continue publishes jobID to the ready queue, or to the delay queue with a
// TTL of the remaining wait.
func (q *AMQPQ) Continue(ctx context.Context, jobID string, at time.Time) error {
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(jobID),
		Timestamp:    q.now(),
	}
	key := readyRoutingKey
	if wait := at.Sub(q.now()); wait > 0 {
		key = delayRoutingKey
		msg.Expiration = expiration(wait)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.ch.PublishWithContext(ctx, ContinuationsExchange, key, false, false, msg)
	return errors.Wrap(err, "publish continuation")
}

// expiration renders a per-message TTL in whole milliseconds, at least 1.
func expiration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

// Consume delivers ready continuations to dispatch until ctx ends. Deliveries
// are acked once handed off; the store decides whether the job still runs.
func (q *AMQPQ) Consume(ctx context.Context, log *zap.Logger, dispatch func(jobID string)) error {
	q.mu.Lock()
	if err := q.ch.Qos(16, 0, false); err != nil {
		q.mu.Unlock()
		return errors.Wrap(err, "set qos")
	}
	deliveries, err := q.ch.Consume(ReadyQueue, "", false, false, false, false, nil)
	q.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "consume continuations")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("continuation channel closed")
			}
			id := string(d.Body)
			if id == "" {
				_ = d.Nack(false, false)
				continue
			}
			dispatch(id)
			if err := d.Ack(false); err != nil {
				log.Warn("ack continuation failed", zap.String("job_id", id), zap.Error(err))
			}
		}
	}
}

// MoveDue is a no-op: the broker promotes delayed messages itself.
func (q *AMQPQ) MoveDue(context.Context, time.Time, int64) (int, error) { return 0, nil }

func (q *AMQPQ) Close() {
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}
