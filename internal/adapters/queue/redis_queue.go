// Package queue provides the Redis-backed task queue broker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task is one queued unit of work. Delivery is at-least-once; consumers
// must tolerate duplicates and out-of-order arrival.
type Task struct {
	Task       string    `json:"task"`
	ItemID     string    `json:"item_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Broker is a Redis list based task queue. Producers RPUSH JSON envelopes,
// consumers BLPOP with a timeout so shutdown stays responsive.
type Broker struct {
	client redis.UniversalClient
}

// NewBroker creates a Broker on the given Redis client.
func NewBroker(client redis.UniversalClient) *Broker {
	return &Broker{client: client}
}

// Enqueue pushes one task envelope to the named queue.
func (b *Broker) Enqueue(ctx context.Context, task, itemID, queue string) error {
	if queue == "" {
		return errors.New("queue name is required")
	}
	payload, err := json.Marshal(Task{
		Task:       task,
		ItemID:     itemID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if pushErr := b.client.RPush(ctx, queue, payload).Err(); pushErr != nil {
		return fmt.Errorf("rpush %s: %w", queue, pushErr)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task on the queue. A nil task
// with nil error means the timeout elapsed with nothing to do.
func (b *Broker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Task, error) {
	res, err := b.client.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blpop %s: %w", queue, err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected blpop reply length %d", len(res))
	}
	var task Task
	if unmarshalErr := json.Unmarshal([]byte(res[1]), &task); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal task: %w", unmarshalErr)
	}
	return &task, nil
}

// Depth returns the number of tasks waiting on the queue.
func (b *Broker) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", queue, err)
	}
	return n, nil
}
