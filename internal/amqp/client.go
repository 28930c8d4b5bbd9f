// Package amqp carries settlement requests, replies and events over RabbitMQ.
//
// Requests are published to a durable queue bound to a direct exchange and
// answered RPC-style through the request's ReplyTo queue and CorrelationId.
// Computed settlements are announced on the same exchange under
// RoutingKeyComputed.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Circuit breaker states.
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures     = 5
	openTimeout     = 30 * time.Second
	publishTimeout  = 5 * time.Second
	connectAttempts = 5
	maxBackoff      = 30 * time.Second

	// RabbitMQ's direct reply-to pseudo queue
	directReplyTo = "amq.rabbitmq.reply-to"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// RequestHandler answers one settlement request. Returning an error requeues
// the request; rejected input belongs in the reply instead. A nil reply with
// a nil error drops the request.
type RequestHandler func(ctx context.Context, req *SettlementRequest) (*SettlementReply, error)

type Client struct {
	url          string
	exchangeName string
	queueName    string

	mu      sync.Mutex // guards conn and channel
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	failMu       sync.Mutex
	lastFailure  time.Time
}

// NewClient connects to the broker, retrying with exponential backoff, and
// declares the exchange and request queue.
func NewClient(ctx context.Context, url, exchangeName, queueName string) (*Client, error) {
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
	}

	var err error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if err = c.connect(); err == nil {
			return c, nil
		}
		if attempt == connectAttempts-1 {
			break
		}
		wait := exponentialBackoff(attempt)
		slog.WarnContext(ctx, "AMQP connection failed, retrying",
			"attempt", attempt+1,
			"backoff", wait,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("connect AMQP after %d attempts: %w", connectAttempts, err)
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := setup(channel, c.exchangeName, c.queueName); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, channel
	c.mu.Unlock()
	return nil
}

func setup(ch *amqp091.Channel, exchangeName, queueName string) error {
	err := ch.ExchangeDeclare(
		exchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// routing key is the queue name, as usual for a direct exchange
	if err := ch.QueueBind(queueName, queueName, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	// one unacknowledged request per consumer at a time
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

// reconnect replaces a broken connection. It is best effort: the circuit
// breaker keeps callers away while the broker is down.
func (c *Client) reconnect(ctx context.Context) {
	c.mu.Lock()
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.channel = nil, nil
	c.mu.Unlock()

	if err := c.connect(); err != nil {
		slog.WarnContext(ctx, "AMQP reconnect failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "AMQP connection re-established", "exchange", c.exchangeName)
}

func (c *Client) publish(ctx context.Context, exchange, key string, msg amqp091.Publishing) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish to %q: %w", key, ErrCircuitOpen)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	c.mu.Lock()
	ch := c.channel
	var err error
	if ch == nil {
		err = amqp091.ErrClosed
	} else {
		err = ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	}
	c.mu.Unlock()

	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			c.reconnect(ctx)
		}
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()
	return nil
}

// PublishComputed announces a computed settlement.
func (c *Client) PublishComputed(ctx context.Context, ev *SettlementComputed) error {
	body, err := ev.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = c.publish(ctx, c.exchangeName, RoutingKeyComputed, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "Published settlement computed event",
		"fingerprint", ev.Fingerprint,
		"exchange", c.exchangeName)
	return nil
}

// Call publishes req and waits for the worker's reply or for ctx to end.
func (c *Client) Call(ctx context.Context, req *SettlementRequest) (*SettlementReply, error) {
	if c.isCircuitOpen() {
		return nil, fmt.Errorf("call %q: %w", c.queueName, ErrCircuitOpen)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := req.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("open reply channel: %w", amqp091.ErrClosed)
	}

	// direct reply-to requires consuming and publishing on the same channel
	ch, err := conn.Channel()
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("open reply channel: %w", err)
	}
	defer ch.Close()

	replies, err := ch.Consume(directReplyTo, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume replies: %w", err)
	}

	correlationID := uuid.NewString()
	err = ch.PublishWithContext(ctx, c.exchangeName, c.queueName, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       directReplyTo,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("publish request: %w", err)
	}
	c.recordSuccess()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-replies:
			if !ok {
				return nil, fmt.Errorf("reply channel closed")
			}
			if d.CorrelationId != correlationID {
				continue
			}
			reply, err := SettlementReplyFromJSON(d.Body)
			if err != nil {
				return nil, fmt.Errorf("decode reply: %w", err)
			}
			return reply, nil
		}
	}
}

// ConsumeRequests handles settlement requests until ctx is cancelled.
// Malformed messages are dropped; handler errors requeue the request.
func (c *Client) ConsumeRequests(ctx context.Context, handler RequestHandler) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("start consuming: %w", amqp091.ErrClosed)
	}

	msgs, err := ch.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming settlement requests", "queue", c.queueName)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.handleDelivery(ctx, delivery, handler)
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, d amqp091.Delivery, handler RequestHandler) {
	req, err := SettlementRequestFromJSON(d.Body)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to unmarshal message", "error", err)
		d.Nack(false, false) // reject and don't requeue
		return
	}

	reply, err := handler(ctx, req)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to handle message",
			"error", err,
			"correlation_id", d.CorrelationId)
		d.Nack(false, true) // reject and requeue
		return
	}
	if reply == nil {
		// a requeue would hand the same request to the same handler again
		slog.ErrorContext(ctx, "Handler returned no reply",
			"correlation_id", d.CorrelationId)
		d.Nack(false, false)
		return
	}

	if d.ReplyTo != "" {
		if err := c.reply(ctx, d, reply); err != nil {
			slog.ErrorContext(ctx, "Failed to publish reply",
				"error", err,
				"correlation_id", d.CorrelationId)
			d.Nack(false, true)
			return
		}
	}

	d.Ack(false)
	slog.DebugContext(ctx, "Processed settlement request",
		"correlation_id", d.CorrelationId,
		"failed", reply.Failed())
}

func (c *Client) reply(ctx context.Context, d amqp091.Delivery, reply *SettlementReply) error {
	body, err := reply.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	// replies go through the default exchange straight to the ReplyTo queue
	return c.publish(ctx, "", d.ReplyTo, amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now(),
		Body:          body,
	})
}

// Healthy reports whether the connection is open and the breaker closed.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && !conn.IsClosed() && !c.isCircuitOpen()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.failMu.Lock()
	last := c.lastFailure
	c.failMu.Unlock()

	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordFailure() {
	c.failMu.Lock()
	c.lastFailure = time.Now()
	c.failMu.Unlock()

	failures := atomic.AddInt64(&c.failureCount, 1)
	if failures >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			slog.Warn("AMQP circuit breaker opened", "failures", failures)
		}
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func exponentialBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection", "EOF", "broken pipe", "channel/connection is not open"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
