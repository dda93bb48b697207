// Package relay publishes local update blobs to Kafka for replicas in
// other processes. Delivery is best effort: the document converges from
// the update log regardless.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const EventUpdateApplied = "UPDATE_APPLIED"

var ErrClosed = errors.New("relay closed")

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coedit_relay_messages_total",
	Help: "Update blobs handed to Kafka, by outcome.",
}, []string{"outcome"})

// UpdateEvent is the Kafka message value. Payload is base64 in JSON.
type UpdateEvent struct {
	EventType  string    `json:"eventType"`
	DocumentID string    `json:"documentId"`
	Origin     string    `json:"origin"`
	Seq        int64     `json:"seq"`
	Payload    []byte    `json:"payload"`
	AppliedAt  time.Time `json:"appliedAt"`
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Publisher queues events locally and sends them from a small worker pool
// with bounded exponential backoff.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	opts     Options
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan UpdateEvent
	wg     sync.WaitGroup
}

// NewSyncProducer builds a producer that waits for the leader ack.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return producer, nil
}

func NewPublisher(producer sarama.SyncProducer, topic string, opts Options) *Publisher {
	opts = opts.withDefaults()
	p := &Publisher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		logger:   opts.Logger,
		queue:    make(chan UpdateEvent, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p
}

// Enqueue waits for queue space until ctx is done.
func (p *Publisher) Enqueue(ctx context.Context, evt UpdateEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if evt.EventType == "" {
		evt.EventType = EventUpdateApplied
	}
	select {
	case p.queue <- evt:
		return nil
	case <-ctx.Done():
		messagesTotal.WithLabelValues("dropped").Inc()
		return ctx.Err()
	}
}

// Close drains the queue, stops the workers and closes the producer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

func (p *Publisher) workerLoop(workerID int) {
	defer p.wg.Done()
	for evt := range p.queue {
		p.sendWithRetry(workerID, evt)
	}
}

func (p *Publisher) sendWithRetry(workerID int, evt UpdateEvent) {
	for attempt := 0; attempt <= p.opts.MaxRetry; attempt++ {
		err := p.sendOnce(evt)
		if err == nil {
			messagesTotal.WithLabelValues("sent").Inc()
			return
		}
		if attempt == p.opts.MaxRetry {
			messagesTotal.WithLabelValues("failed").Inc()
			p.logger.Warn("kafka send failed, dropping update",
				"document_id", evt.DocumentID, "seq", evt.Seq, "worker", workerID, "error", err)
			return
		}
		backoff := p.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > p.opts.MaxBackoff {
			backoff = p.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *Publisher) sendOnce(evt UpdateEvent) error {
	if p.producer == nil || p.topic == "" {
		return nil
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

// DecodeEvent parses a message value produced by Publisher.
func DecodeEvent(value []byte) (UpdateEvent, error) {
	var evt UpdateEvent
	if err := json.Unmarshal(value, &evt); err != nil {
		return UpdateEvent{}, fmt.Errorf("decode update event: %w", err)
	}
	if evt.DocumentID == "" {
		return UpdateEvent{}, errors.New("decode update event: missing documentId")
	}
	return evt, nil
}
