// Package audit records reviewer changes to decision results.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/config"
)

// Entry is one audited update.
type Entry struct {
	ID         string          `json:"id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	At         time.Time       `json:"at"`
}

// Recorder writes audit entries.
type Recorder interface {
	LogUpdate(ctx context.Context, entityKind, id string, before, after any, actorID string) error
	Close() error
}

func newEntry(entityKind, id string, before, after any, actorID string) (Entry, error) {
	b, err := json.Marshal(before)
	if err != nil {
		return Entry{}, eris.Wrap(err, "audit: encode before")
	}
	a, err := json.Marshal(after)
	if err != nil {
		return Entry{}, eris.Wrap(err, "audit: encode after")
	}
	return Entry{
		ID:         uuid.NewString(),
		EntityKind: entityKind,
		EntityID:   id,
		ActorID:    actorID,
		Before:     b,
		After:      a,
		At:         time.Now().UTC(),
	}, nil
}

// LogRecorder writes entries to the global zap logger.
type LogRecorder struct{}

func (LogRecorder) LogUpdate(_ context.Context, entityKind, id string, before, after any, actorID string) error {
	e, err := newEntry(entityKind, id, before, after, actorID)
	if err != nil {
		return err
	}
	zap.L().Info("audit: update",
		zap.String("audit_id", e.ID),
		zap.String("entity_kind", e.EntityKind),
		zap.String("entity_id", e.EntityID),
		zap.String("actor_id", e.ActorID),
		zap.ByteString("before", e.Before),
		zap.ByteString("after", e.After),
	)
	return nil
}

func (LogRecorder) Close() error { return nil }

// KafkaRecorder publishes entries as JSON, keyed by entity so updates to
// one entity stay ordered within a partition.
type KafkaRecorder struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafka connects a synchronous producer to the configured brokers.
func NewKafka(cfg config.AuditConfig) (*KafkaRecorder, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.ClientID = "advisor"
	sc.Version = sarama.V2_8_0_0
	if cfg.KafkaVersion != "" {
		v, err := sarama.ParseKafkaVersion(cfg.KafkaVersion)
		if err != nil {
			return nil, eris.Wrapf(err, "audit: kafka version %q", cfg.KafkaVersion)
		}
		sc.Version = v
	}

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, eris.Wrap(err, "audit: connect kafka producer")
	}
	return NewKafkaWithProducer(p, cfg.Topic), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, topic string) *KafkaRecorder {
	return &KafkaRecorder{producer: p, topic: topic}
}

func (k *KafkaRecorder) LogUpdate(ctx context.Context, entityKind, id string, before, after any, actorID string) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "audit: publish")
	}
	e, err := newEntry(entityKind, id, before, after, actorID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "audit: encode entry")
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(entityKind + "/" + id),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("actor_id"), Value: []byte(actorID)},
		},
	})
	if err != nil {
		return eris.Wrapf(err, "audit: publish to %s", k.topic)
	}
	zap.L().Debug("audit: published",
		zap.String("audit_id", e.ID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (k *KafkaRecorder) Close() error {
	return eris.Wrap(k.producer.Close(), "audit: close producer")
}

// FromConfig returns the recorder for the configured backend.
func FromConfig(cfg config.AuditConfig) (Recorder, error) {
	switch cfg.Backend {
	case "", "log":
		return LogRecorder{}, nil
	case "kafka":
		return NewKafka(cfg)
	default:
		return nil, eris.Errorf("audit: unknown backend %q", cfg.Backend)
	}
}
