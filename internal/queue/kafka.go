package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	minFetchBackoff = 100 * time.Millisecond
	maxFetchBackoff = 5 * time.Second
)

type matchJob struct {
	OrderID int64 `json:"order_id"`
}

// Kafka schedules match attempts through a topic so any instance in the
// consumer group can run them. Delivery is at least once, which is safe
// because a repeated attempt on a settled order is a no-op.
type Kafka struct {
	writer *kafka.Writer
	reader *kafka.Reader
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewKafka(brokers []string, topic, groupID string, logger *zap.Logger) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 5 * time.Millisecond,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Error("failed to enqueue match jobs", zap.Int("count", len(messages)), zap.Error(err))
				}
			},
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		logger: logger,
	}
}

func (q *Kafka) ScheduleMatch(ctx context.Context, orderID int64) error {
	msg, err := encodeJob(orderID)
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, msg)
}

// Start consumes jobs until ctx is done
func (q *Kafka) Start(ctx context.Context, m Matcher) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		var backoff time.Duration
		for {
			msg, err := q.reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
					return
				}
				backoff = nextBackoff(backoff)
				q.logger.Error("failed to fetch match job", zap.Duration("retry_in", backoff), zap.Error(err))
				if !sleep(ctx, backoff) {
					return
				}
				continue
			}
			backoff = 0

			orderID, err := decodeJob(msg)
			if err != nil {
				q.logger.Warn("dropping malformed match job", zap.Int64("offset", msg.Offset), zap.Error(err))
			} else {
				run(ctx, m, orderID, q.logger)
			}

			if err := q.reader.CommitMessages(ctx, msg); err != nil {
				q.logger.Error("failed to commit match job", zap.Int64("offset", msg.Offset), zap.Error(err))
			}
		}
	}()
}

func (q *Kafka) Wait() {
	q.wg.Wait()
}

func (q *Kafka) Close() error {
	return errors.Join(q.writer.Close(), q.reader.Close())
}

// nextBackoff doubles d within [minFetchBackoff, maxFetchBackoff]
func nextBackoff(d time.Duration) time.Duration {
	if d < minFetchBackoff {
		return minFetchBackoff
	}
	return min(2*d, maxFetchBackoff)
}

// sleep waits for d. It returns false if ctx is done first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func encodeJob(orderID int64) (kafka.Message, error) {
	data, err := json.Marshal(matchJob{OrderID: orderID})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(orderID, 10)),
		Value: data,
	}, nil
}

func decodeJob(msg kafka.Message) (int64, error) {
	var job matchJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return 0, fmt.Errorf("decode match job: %w", err)
	}
	if job.OrderID <= 0 {
		return 0, fmt.Errorf("decode match job: invalid order id %d", job.OrderID)
	}
	return job.OrderID, nil
}
