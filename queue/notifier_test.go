package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykn/taskcore/types"
)

func TestKafkaNotifierPublishesEvent(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	due := time.Date(2024, 3, 17, 9, 0, 0, 0, time.UTC)
	task := types.Task{ID: "t1", UserID: "u1", Title: "file taxes", Status: types.TaskPending, DueDate: &due}

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev OverdueEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Event != EventTaskOverdue || ev.TaskID != "t1" || ev.UserID != "u1" {
			return errors.New("unexpected event")
		}
		return nil
	})

	n := NewKafkaNotifier(producer, "tasks.overdue", nil)
	require.NoError(t, n.NotifyOverdue(context.Background(), task))
	require.NoError(t, n.Close())
}

func TestKafkaNotifierSendFailure(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	n := NewKafkaNotifier(producer, "tasks.overdue", nil)
	err := n.NotifyOverdue(context.Background(), types.Task{ID: "t1"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, n.Close())
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(nil)
	assert.NoError(t, n.NotifyOverdue(context.Background(), types.Task{ID: "t1"}))
}
