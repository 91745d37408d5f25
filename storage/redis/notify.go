package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/poiesic/docpipe/storage"
)

// updatedMessage is the payload published on a job's status channel.
const updatedMessage = "updated"

// NotifyJobUpdate publishes an update notice on task_status:<id>.
func (s *Store) NotifyJobUpdate(ctx context.Context, id string) error {
	if err := s.client.Publish(ctx, storage.StatusChannel(id), updatedMessage).Err(); err != nil {
		return fmt.Errorf("docpipe/redis: notify job update: %w", err)
	}
	return nil
}

// SubscribeJobUpdates subscribes to task_status:<id>. The returned channel
// coalesces notices, so a slow reader sees at least one value after any
// number of updates.
func (s *Store) SubscribeJobUpdates(ctx context.Context, id string) (<-chan struct{}, func(), error) {
	pubsub := s.client.Subscribe(ctx, storage.StatusChannel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("docpipe/redis: subscribe: %w", err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				s.logger.Debug("closing subscription", "id", id, "err", err)
			}
		})
	}
	return out, cancel, nil
}
