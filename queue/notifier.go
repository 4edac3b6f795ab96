package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/types"
)

// Notifier tells a task owner that the task is overdue.
type Notifier interface {
	NotifyOverdue(ctx context.Context, task types.Task) error
}

// OverdueEvent is the message published for an overdue task.
type OverdueEvent struct {
	Event      string     `json:"event"`
	TaskID     string     `json:"taskId"`
	UserID     string     `json:"userId"`
	Title      string     `json:"title"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
	NotifiedAt time.Time  `json:"notifiedAt"`
}

// EventTaskOverdue is the event name of OverdueEvent.
const EventTaskOverdue = "task.overdue"

// KafkaNotifier publishes overdue events to a Kafka topic, keyed by task id.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   logging.Logger
	now      func() time.Time
}

// NewKafkaProducer creates a synchronous producer that waits for the leader
// ack so a failed send fails the job and gets retried.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Metadata.Retry.Max = 3
	cfg.Metadata.Retry.Backoff = 250 * time.Millisecond

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return p, nil
}

// NewKafkaNotifier creates a notifier over producer.
func NewKafkaNotifier(producer sarama.SyncProducer, topic string, logger logging.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
		logger:   logging.OrNoOp(logger),
		now:      time.Now,
	}
}

// NotifyOverdue publishes one OverdueEvent.
func (k *KafkaNotifier) NotifyOverdue(ctx context.Context, task types.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(OverdueEvent{
		Event:      EventTaskOverdue,
		TaskID:     task.ID,
		UserID:     task.UserID,
		Title:      task.Title,
		DueDate:    task.DueDate,
		NotifiedAt: k.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode overdue event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(task.ID),
		Value: sarama.ByteEncoder(value),
	}
	if corr := logging.CorrelationID(ctx); corr != "" {
		msg.Headers = []sarama.RecordHeader{{Key: []byte(logging.CorrelationHeader), Value: []byte(corr)}}
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish overdue event for %s: %w", task.ID, err)
	}
	k.logger.Info("overdue notification sent", "task_id", task.ID, "topic", k.topic,
		"partition", partition, "offset", offset)
	return nil
}

// Close closes the producer.
func (k *KafkaNotifier) Close() error {
	return k.producer.Close()
}

// LogNotifier only logs. It stands in when no broker is configured.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNoOp(logger)}
}

// NotifyOverdue logs the overdue task.
func (l *LogNotifier) NotifyOverdue(ctx context.Context, task types.Task) error {
	l.logger.Info("task overdue", "task_id", task.ID, "user_id", task.UserID, "due_date", task.DueDate)
	return nil
}
