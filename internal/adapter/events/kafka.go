// Package events exports orchestration events to a Kafka/Redpanda topic.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// DefaultTopic receives every event when no topic is configured.
const DefaultTopic = "orchestrator-events"

// topicAlreadyExists is the Kafka TOPIC_ALREADY_EXISTS error code.
const topicAlreadyExists = 36

// Producer is the part of *kgo.Client the sink uses.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// Config configures the sink.
type Config struct {
	Brokers     []string
	Topic       string
	Buffer      int
	Partitions  int32
	Replication int16
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.Partitions <= 0 {
		c.Partitions = 3
	}
	if c.Replication <= 0 {
		c.Replication = 1
	}
	return c
}

// Envelope is the record value written for each event.
type Envelope struct {
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Sink is a non-blocking domain.EventSink. Publish hands the record to a
// bounded buffer; a background loop produces it. Events are dropped when the
// buffer is full.
type Sink struct {
	cfg      Config
	producer Producer
	records  chan *kgo.Record

	produced atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// Dial connects to the brokers, makes sure the topic exists and starts the
// sink.
func Dial(ctx context.Context, cfg Config) (*Sink, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=events.Dial: no seed brokers: %w", domain.ErrInvalidArgument)
	}
	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kt := kotel.NewKotel(kotel.WithTracer(tracer))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequestRetries(10),
		kgo.ProducerLinger(50*time.Millisecond),
		kgo.DialTimeout(10*time.Second),
		kgo.WithHooks(kt.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.Dial: %w", err)
	}
	if err := ensureTopic(ctx, client, cfg.Topic, cfg.Partitions, cfg.Replication); err != nil {
		slog.Warn("event topic not ensured", slog.String("topic", cfg.Topic), slog.Any("error", err))
	}
	slog.Info("event sink connected", slog.Any("brokers", cfg.Brokers), slog.String("topic", cfg.Topic))
	return New(client, cfg), nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replication
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("op=events.ensureTopic topic=%s: %w", topic, err)
	}
	for _, tr := range resp.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == topicAlreadyExists {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("op=events.ensureTopic topic=%s: %s (code %d)", topic, msg, tr.ErrorCode)
	}
	return nil
}

// New starts a sink over an existing producer.
func New(p Producer, cfg Config) *Sink {
	cfg = cfg.withDefaults()
	s := &Sink{
		cfg:      cfg,
		producer: p,
		records:  make(chan *kgo.Record, cfg.Buffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.loop()
	return s
}

// Encode builds the record of ev. Provider-scoped events are keyed by provider
// so they stay ordered within a partition.
func Encode(topic string, ev domain.Event) (*kgo.Record, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("op=events.Encode kind=%s: %w", ev.EventKind(), err)
	}
	at, key := describe(ev)
	value, err := json.Marshal(Envelope{Kind: ev.EventKind(), At: at, Data: data})
	if err != nil {
		return nil, fmt.Errorf("op=events.Encode kind=%s: %w", ev.EventKind(), err)
	}
	r := &kgo.Record{
		Topic:     topic,
		Value:     value,
		Timestamp: at,
		Headers:   []kgo.RecordHeader{{Key: "event_kind", Value: []byte(ev.EventKind())}},
	}
	if key != "" {
		r.Key = []byte(key)
	}
	return r, nil
}

func describe(ev domain.Event) (time.Time, string) {
	switch e := ev.(type) {
	case domain.CallOutcome:
		return e.At, string(e.Provider)
	case domain.CircuitTransition:
		return e.At, string(e.Provider)
	case domain.CircuitOutcome:
		return e.At, string(e.Provider)
	case domain.CircuitRejected:
		return e.At, string(e.Provider)
	case domain.RateLimitDecision:
		return e.At, string(e.Provider)
	case domain.HealthChanged:
		return e.At, string(e.Provider)
	case domain.AnomalyDetected:
		return e.At, e.Identity
	case domain.QueueTaskEvent:
		return e.At, e.TaskID
	case domain.CacheLookup:
		return e.At, ""
	default:
		return time.Time{}, ""
	}
}

// Publish encodes ev and buffers it without blocking.
func (s *Sink) Publish(ev domain.Event) {
	r, err := Encode(s.cfg.Topic, ev)
	if err != nil {
		s.failed.Add(1)
		slog.Debug("event not encoded", slog.String("kind", ev.EventKind()), slog.Any("error", err))
		return
	}
	select {
	case <-s.done:
		s.dropped.Add(1)
		return
	default:
	}
	select {
	case s.records <- r:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("event sink buffer full, dropping events", slog.Int64("dropped", n))
		}
	}
}

func (s *Sink) loop() {
	defer close(s.stopped)
	for {
		select {
		case r := <-s.records:
			s.produce(r)
		case <-s.done:
			for {
				select {
				case r := <-s.records:
					s.produce(r)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) produce(r *kgo.Record) {
	s.producer.Produce(context.Background(), r, func(r *kgo.Record, err error) {
		if err != nil {
			s.failed.Add(1)
			slog.Debug("event not produced", slog.String("topic", r.Topic), slog.Any("error", err))
			return
		}
		s.produced.Add(1)
	})
}

// Stats are the delivery counters.
type Stats struct {
	Produced int64 `json:"produced"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
	Buffered int   `json:"buffered"`
}

// Stats returns the delivery counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Produced: s.produced.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),
		Buffered: len(s.records),
	}
}

// Ping checks that a broker answers when the producer supports it, and that
// the buffer is not saturated.
func (s *Sink) Ping(ctx context.Context) error {
	if n := len(s.records); n == cap(s.records) {
		return fmt.Errorf("op=events.Ping: buffer full (%d records)", n)
	}
	if p, ok := s.producer.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("op=events.Ping: %w", err)
		}
	}
	return nil
}

// Close stops accepting events, produces what is buffered, flushes and closes
// the producer.
func (s *Sink) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case <-s.stopped:
		case <-ctx.Done():
		}
		if ferr := s.producer.Flush(ctx); ferr != nil && !errors.Is(ferr, context.Canceled) {
			err = fmt.Errorf("op=events.Close: %w", ferr)
		}
		s.producer.Close()
	})
	return err
}
