// Package broker publishes terminal frames to a RabbitMQ topic exchange so
// consumers outside this process can follow sessions.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/peterje/coderunner/internal/metrics"
	"github.com/peterje/coderunner/internal/terminal"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	DefaultExchange = "coderunner.terminal"
	publishTimeout  = 2 * time.Second
	queueSize       = 4096
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type message struct {
	topic string
	frame terminal.Frame
}

// Publisher is a terminal.Sink backed by an AMQP channel. Frames are queued
// and sent by one goroutine, so a slow broker never stalls the caller.
type Publisher struct {
	exchange string
	logger   *zerolog.Logger

	conn    *amqp.Connection
	channel amqpChannel

	// enqueueMu serializes senders on queue.
	enqueueMu sync.Mutex
	queue     chan message
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and declares exchange as a durable topic exchange.
func Dial(url, exchange string, logger *zerolog.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	logger.Info().Str("exchange", exchange).Msg("connected to RabbitMQ")
	p := newPublisher(exchange, ch, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(exchange string, ch amqpChannel, logger *zerolog.Logger) *Publisher {
	p := &Publisher{
		exchange: exchange,
		logger:   logger,
		channel:  ch,
		queue:    make(chan message, queueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish queues f without blocking. When the queue is full output frames
// are dropped; status frames displace the oldest queued frame.
func (p *Publisher) Publish(topic string, f terminal.Frame) {
	p.enqueueMu.Lock()
	lost := terminal.Offer(p.queue, message{topic: topic, frame: f}, f.Type == terminal.FrameStatus)
	p.enqueueMu.Unlock()
	if lost > 0 {
		metrics.FramesDropped.Add(float64(lost))
		p.logger.Warn().Str("topic", topic).Str("type", f.Type).Msg("broker: queue full, dropped frame")
	}
}

func (p *Publisher) run() {
	defer close(p.stopped)
	for {
		select {
		case m := <-p.queue:
			p.send(m)
		case <-p.done:
			return
		}
	}
}

// send publishes one frame as JSON. Failures are logged; frame delivery has
// no acknowledgement.
func (p *Publisher) send(m message) {
	body, err := json.Marshal(m.frame)
	if err != nil {
		p.logger.Error().Err(err).Msg("broker: marshal frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		RoutingKey(m.topic),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Type:        m.frame.Type,
			Body:        body,
		},
	)
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", m.topic).Msg("broker: publish failed")
	}
}

// Close stops the sender and closes the channel and connection. Frames
// still queued are discarded.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		<-p.stopped
		p.channel.Close()
		if p.conn != nil {
			err = p.conn.Close()
		}
	})
	return err
}

// RoutingKey maps "/topic/terminal/<key>" to "topic.terminal.<key>". Dots
// inside the session key are replaced so the key stays one routing word.
func RoutingKey(topic string) string {
	if key, ok := terminal.KeyFromTopic(topic); ok {
		return "topic.terminal." + sanitizeWord(key)
	}
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	for i, part := range parts {
		parts[i] = sanitizeWord(part)
	}
	return strings.Join(parts, ".")
}

func sanitizeWord(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(s)
}

var _ terminal.Sink = (*Publisher)(nil)
