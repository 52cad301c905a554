// ABOUTME: CompletionBus carries agent run completions from executors to the engine over Watermill's GoChannel pub/sub.
// ABOUTME: The bus subscribes at construction so completions published before the drain loop starts are not lost.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/2389-research/taskflow/core"
)

// TopicRunCompleted is the topic completions are published on.
const TopicRunCompleted = "agent.run.completed"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("completion bus closed")

// CompletionBus is an in-process completion queue with a single consumer.
type CompletionBus struct {
	pubsub   *gochannel.GoChannel
	messages <-chan *message.Message
	cancel   context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewCompletionBus creates the bus. buffer bounds the number of unconsumed
// completions held in memory.
func NewCompletionBus(buffer int) (*CompletionBus, error) {
	if buffer <= 0 {
		buffer = 64
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
	}, watermill.NopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := pubsub.Subscribe(ctx, TopicRunCompleted)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", TopicRunCompleted, err)
	}
	return &CompletionBus{pubsub: pubsub, messages: messages, cancel: cancel}, nil
}

// Publish enqueues a completion.
func (b *CompletionBus) Publish(_ context.Context, rc core.RunCompletion) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	payload, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("run_id", rc.RunID)
	if err := b.pubsub.Publish(TopicRunCompleted, msg); err != nil {
		return fmt.Errorf("publish completion for run %s: %w", rc.RunID, err)
	}
	return nil
}

// Consume hands each completion to handle until ctx is done or the bus is
// closed. Every message is acked after handle returns; handler errors are
// logged, not redelivered.
func (b *CompletionBus) Consume(ctx context.Context, handle func(context.Context, core.RunCompletion) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.messages:
			if !ok {
				return nil
			}
			var rc core.RunCompletion
			if err := json.Unmarshal(msg.Payload, &rc); err != nil {
				log.Printf("component=bus action=decode_failed msg=%s err=%v", msg.UUID, err)
				msg.Ack()
				continue
			}
			if err := handle(ctx, rc); err != nil {
				log.Printf("component=bus action=handle_failed run=%s err=%v", rc.RunID, err)
			}
			msg.Ack()
		}
	}
}

// Close stops the subscription and the underlying pub/sub.
func (b *CompletionBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	return b.pubsub.Close()
}
