package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"
)

func testOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   16,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestKafkaDispatcher_SendsEncodedEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt ChangeEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventChangeApproved || evt.ChangeID != "c1" {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "tracked-changes", NewSemaphoreControl(2), zerolog.Nop(), testOptions())
	err := d.Enqueue(context.Background(), ChangeEvent{
		EventType:    EventChangeApproved,
		ChangeID:     "c1",
		SubmissionID: "s1",
		OccurredAt:   time.Now(),
	})
	assert.Equal(t, err, nil)

	d.Close()
	assert.Equal(t, producer.Close(), nil)
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "tracked-changes", nil, zerolog.Nop(), testOptions())
	assert.Equal(t, d.Enqueue(context.Background(), ChangeEvent{EventType: EventChangeCreated, ChangeID: "c2"}), nil)

	d.Close()
	assert.Equal(t, producer.Close(), nil)
}

func TestKafkaDispatcher_DropsAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	opt := testOptions()
	for i := 0; i <= opt.MaxRetry; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	d := NewKafkaDispatcher(producer, "tracked-changes", nil, zerolog.Nop(), opt)
	assert.Equal(t, d.Enqueue(context.Background(), ChangeEvent{EventType: EventChangeRejected, ChangeID: "c3"}), nil)

	d.Close()
	assert.Equal(t, producer.Close(), nil)
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, zerolog.Nop(), testOptions())
	d.Close()
	d.Close()
	err := d.Enqueue(context.Background(), ChangeEvent{ChangeID: "late"})
	assert.Equal(t, errors.Is(err, ErrDispatcherClosed), true)
}

func TestKafkaDispatcher_EnqueueRespectsContext(t *testing.T) {
	d := &KafkaDispatcher{queues: []chan ChangeEvent{make(chan ChangeEvent)}, log: zerolog.Nop()}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := d.Enqueue(ctx, ChangeEvent{ChangeID: "blocked"})
	assert.Equal(t, errors.Is(err, context.DeadlineExceeded), true)
}

func TestKafkaDispatcher_KeepsSubmissionOrder(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	const n = 20
	for i := range n {
		want := fmt.Sprintf("c%02d", i)
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var evt ChangeEvent
			if err := json.Unmarshal(val, &evt); err != nil {
				return err
			}
			if evt.ChangeID != want {
				return fmt.Errorf("got %s, want %s", evt.ChangeID, want)
			}
			return nil
		})
	}

	opt := testOptions()
	opt.Workers = 4
	opt.QueueSize = 4 * n
	d := NewKafkaDispatcher(producer, "tracked-changes", NewSemaphoreControl(4), zerolog.Nop(), opt)
	for i := range n {
		err := d.Enqueue(context.Background(), ChangeEvent{EventType: EventChangeCreated, ChangeID: fmt.Sprintf("c%02d", i), SubmissionID: "sub-ordered"})
		assert.Equal(t, err, nil)
	}

	d.Close()
	assert.Equal(t, producer.Close(), nil)
}

func TestWorkerFor(t *testing.T) {
	assert.Equal(t, workerFor("sub-1", 1), 0)
	assert.Equal(t, workerFor("sub-1", 4), workerFor("sub-1", 4))

	used := make(map[int]bool)
	for i := range 64 {
		w := workerFor(fmt.Sprintf("sub-%d", i), 4)
		if w < 0 || w >= 4 {
			t.Fatalf("workerFor() = %d out of range", w)
		}
		used[w] = true
	}
	if len(used) < 2 {
		t.Fatalf("all submissions routed to one worker: %v", used)
	}
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	assert.Equal(t, s.Acquire(context.Background()), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.Equal(t, s.Acquire(ctx), ErrAcquireTimeout)

	assert.Equal(t, s.Release(), nil)
	assert.Equal(t, s.Release(), ErrNotAcquired)
}

func TestKafkaDispatcher_Backoff(t *testing.T) {
	d := &KafkaDispatcher{opt: KafkaDispatcherOptions{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 50 * time.Millisecond},
		{70, 50 * time.Millisecond},
	}
	for _, tc := range cases {
		assert.Equal(t, d.backoff(tc.attempt), tc.want)
	}
}
