package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"collabReview/backend/internal/metrics"
)

var ErrDispatcherClosed = errors.New("event dispatcher closed")

// 消息头里携带事件类型，消费方不必解码 value 就能过滤
const headerEventType = "event-type"

// KafkaDispatcher 把变更事件异步写入 Kafka：
// 引擎只负责入队，worker 从有界队列取出后发送，失败按指数退避重试，
// 重试耗尽的事件丢弃并计数。事件只是通知，不要求每条都送达。
// 每个 worker 有自己的队列，按 submissionId 哈希选择，同一 submission 的事件按入队顺序发出。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	sem      *SemaphoreControl
	log      zerolog.Logger
	opt      KafkaDispatcherOptions

	// mu 保护 closed，同时保证 Close 之后不会再有人往 queues 写
	mu     sync.RWMutex
	closed bool
	queues []chan ChangeEvent
	wg     sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultDispatcherOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

// sem 为 nil 时不限制并发发送数。QueueSize 是所有 worker 队列的总容量
func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, log zerolog.Logger, opt KafkaDispatcherOptions) *KafkaDispatcher {
	opt.Workers = max(opt.Workers, 1)
	opt.MaxRetry = max(opt.MaxRetry, 0)
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		sem:      sem,
		log:      log,
		opt:      opt,
		queues:   make([]chan ChangeEvent, opt.Workers),
	}
	perWorker := max(opt.QueueSize, 0) / opt.Workers
	d.wg.Add(opt.Workers)
	for i := range opt.Workers {
		d.queues[i] = make(chan ChangeEvent, perWorker)
		go d.run(i, d.queues[i])
	}
	return d
}

// Enqueue 队列满时阻塞到 ctx 结束
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt ChangeEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queues[workerFor(evt.SubmissionID, len(d.queues))] <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// workerFor 把同一 submission 固定到同一个 worker
func workerFor(submissionID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(submissionID))
	return int(h.Sum32() % uint32(n))
}

// Close 不再接收新事件，等 worker 把队列里剩下的发完；可重复调用
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) run(worker int, queue <-chan ChangeEvent) {
	defer d.wg.Done()
	log := d.log.With().Int("worker", worker).Logger()
	for evt := range queue {
		if err := d.deliver(evt); err != nil {
			metrics.EventsDropped.Inc()
			log.Error().Err(err).
				Str("event", string(evt.EventType)).
				Str("change_id", evt.ChangeID).
				Str("submission_id", evt.SubmissionID).
				Msg("drop change event")
		}
	}
}

// deliver 最多尝试 MaxRetry+1 次，返回最后一次的错误；未配置 Kafka 时直接跳过
func (d *KafkaDispatcher) deliver(evt ChangeEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		err = d.sendOnce(d.message(evt, value))
		if err == nil {
			return nil
		}
		if attempt >= d.opt.MaxRetry {
			return fmt.Errorf("after %d attempts: %w", attempt+1, err)
		}
		time.Sleep(d.backoff(attempt))
	}
}

// backoff 从 BaseBackoff 开始每次翻倍，不超过 MaxBackoff
func (d *KafkaDispatcher) backoff(attempt int) time.Duration {
	b := d.opt.BaseBackoff << attempt
	if d.opt.MaxBackoff > 0 && (b > d.opt.MaxBackoff || b <= 0) {
		return d.opt.MaxBackoff
	}
	return b
}

// message 每次重试都新建，sarama 发送过的消息带有内部状态
func (d *KafkaDispatcher) message(evt ChangeEvent, value []byte) *sarama.ProducerMessage {
	// 以 submissionId 为 key，同一 submission 落在同一分区
	return &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SubmissionID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEventType), Value: []byte(evt.EventType)},
		},
	}
}

func (d *KafkaDispatcher) sendOnce(msg *sarama.ProducerMessage) error {
	if d.sem != nil {
		// worker 可以一直等，不影响主流程
		_ = d.sem.Acquire(context.Background())
		defer func() { _ = d.sem.Release() }()
	}
	_, _, err := d.producer.SendMessage(msg)
	return err
}
