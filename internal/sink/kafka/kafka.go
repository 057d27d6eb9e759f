// Package kafka publishes change events to a Kafka topic, one JSON message
// per event, keyed by the resolved table name so a table's changes stay in
// one partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2snow/internal/config"
	"github.com/mehmetymw/cdc2snow/internal/observability"
	"github.com/mehmetymw/cdc2snow/internal/types"
)

const (
	opInsert   = "C"
	opUpdate   = "U"
	opDelete   = "D"
	opTruncate = "T"
)

// Message is the wire shape of one published change.
type Message struct {
	Table      string         `json:"table"`
	Operation  string         `json:"operation"`
	Record     map[string]any `json:"record,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// Catalog resolves a table identifier into its display name and ordered
// column list.
type Catalog interface {
	TableName(ctx context.Context, id types.TableID) (string, error)
	Columns(ctx context.Context, id types.TableID) ([]string, error)
}

type publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Sink struct {
	writer publisher
	topic  string
	cat    Catalog
	logger *zap.Logger
}

func New(cfg config.KafkaDestination, cat Catalog, logger *zap.Logger) (*Sink, error) {
	logger.Info("creating kafka sink",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic))

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		Async:        false, // Synchronous for reliability
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug("kafka writer log", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("kafka writer error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	}
	return newWithWriter(writer, cfg.Topic, cat, logger), nil
}

func newWithWriter(w publisher, topic string, cat Catalog, logger *zap.Logger) *Sink {
	return &Sink{writer: w, topic: topic, cat: cat, logger: logger}
}

func (s *Sink) Name() string { return "kafka" }

// TruncateTable publishes a marker message so downstream consumers can reset
// their view of the table.
func (s *Sink) TruncateTable(ctx context.Context, id types.TableID) error {
	table := s.resolveTableName(ctx, id)
	return s.publish(ctx, []Message{{
		Table:      table,
		Operation:  opTruncate,
		CapturedAt: time.Now().UTC(),
	}})
}

func (s *Sink) WriteRows(ctx context.Context, id types.TableID, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}
	table := s.resolveTableName(ctx, id)
	columns := s.resolveColumns(ctx, id)

	now := time.Now().UTC()
	msgs := make([]Message, len(rows))
	for i, row := range rows {
		msgs[i] = Message{
			Table:      table,
			Operation:  opInsert,
			Record:     recordFromRow(row, columns),
			CapturedAt: now,
		}
	}
	return s.publish(ctx, msgs)
}

func (s *Sink) WriteEvents(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	now := time.Now().UTC()
	msgs := make([]Message, 0, len(events))
	for _, e := range events {
		table := s.resolveTableName(ctx, e.TableID)
		columns := s.resolveColumns(ctx, e.TableID)

		msg := Message{Table: table, CapturedAt: now}
		switch e.Kind {
		case types.EventInsert:
			msg.Operation = opInsert
			msg.Record = recordFromRow(e.Row, columns)
		case types.EventUpdate:
			msg.Operation = opUpdate
			msg.Record = recordFromRow(e.Row, columns)
		case types.EventDelete:
			if e.OldRow == nil {
				s.logger.Warn("delete event without pre-image, skipping", zap.String("table", table))
				observability.DroppedDeletes.WithLabelValues(s.Name(), table).Inc()
				continue
			}
			msg.Operation = opDelete
			msg.Record = recordFromRow(*e.OldRow, columns)
		}
		msgs = append(msgs, msg)
	}
	return s.publish(ctx, msgs)
}

func (s *Sink) publish(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	kafkaMsgs := make([]kafka.Message, len(msgs))
	for i, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal kafka message: %w", err)
		}
		kafkaMsgs[i] = kafka.Message{
			Key:   []byte(msg.Table),
			Value: data,
			Time:  msg.CapturedAt,
		}
	}

	start := time.Now()
	if err := s.writer.WriteMessages(ctx, kafkaMsgs...); err != nil {
		s.logger.Error("failed to write messages to kafka",
			zap.Error(err),
			zap.Int("messages", len(kafkaMsgs)),
			zap.Duration("duration", time.Since(start)))
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	s.logger.Debug("messages sent to kafka",
		zap.Int("messages", len(kafkaMsgs)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// recordFromRow keeps source column names as-is; positions past the resolved
// list get positional names. Values are native Go values, so byte blobs
// reach the topic base64-encoded by the JSON encoder.
func recordFromRow(row types.Row, columns []string) map[string]any {
	rec := make(map[string]any, len(row.Values))
	for i, cell := range row.Values {
		name := fmt.Sprintf("col_%d", i)
		if i < len(columns) {
			name = columns[i]
		}
		rec[name] = cell.Value()
	}
	return rec
}

func (s *Sink) resolveTableName(ctx context.Context, id types.TableID) string {
	name, err := s.cat.TableName(ctx, id)
	if err != nil {
		s.logger.Error("table name resolution failed, using fallback",
			zap.Uint32("table_id", uint32(id)), zap.Error(err))
		return fmt.Sprintf("unknown_%d", id)
	}
	return name
}

func (s *Sink) resolveColumns(ctx context.Context, id types.TableID) []string {
	columns, err := s.cat.Columns(ctx, id)
	if err != nil {
		s.logger.Error("column resolution failed, records will use positional names",
			zap.Uint32("table_id", uint32(id)), zap.Error(err))
		return nil
	}
	return columns
}

func (s *Sink) Close() error {
	s.logger.Info("closing kafka sink")
	if c, ok := s.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
