// Package sync carries cache invalidation messages between service
// instances over Redis pub/sub.
//
// Delivery is at-most-once and best-effort: a message published while an
// instance is disconnected is never replayed to it.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/types"
)

// InvalidationMessage is an alias for types.InvalidationMessage.
type InvalidationMessage = types.InvalidationMessage

// Handler receives invalidation messages for one channel.
type Handler func(msg InvalidationMessage)

// ErrBusClosed is returned when subscribing on a closed bus.
var ErrBusClosed = errors.New("invalidation bus is closed")

// Bus multiplexes every channel subscription of one instance onto a single
// dedicated pub/sub connection.
type Bus struct {
	client redis.UniversalClient
	logger logging.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers map[string]map[uint64]Handler
	nextID   uint64
	closed   bool

	wg sync.WaitGroup
}

// NewBus creates a bus. The pub/sub connection is opened lazily on the
// first subscription.
func NewBus(client redis.UniversalClient, logger logging.Logger) *Bus {
	return &Bus{
		client:   client,
		logger:   logging.OrNoOp(logger),
		handlers: make(map[string]map[uint64]Handler),
	}
}

// Publish sends key as the raw payload on channel.
func (b *Bus) Publish(ctx context.Context, channel, key string) error {
	return b.client.Publish(ctx, channel, key).Err()
}

// Subscribe registers h for channel. The subscription ends when Unsubscribe
// is called, when ctx is done, or when the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) (*Subscription, error) {
	if channel == "" || h == nil {
		return nil, fmt.Errorf("subscribe: channel and handler are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	if b.pubsub == nil {
		ps := b.client.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		b.pubsub = ps
		b.wg.Add(1)
		go b.listen(ps.Channel())
	} else if _, ok := b.handlers[channel]; !ok {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[uint64]Handler)
	}
	b.nextID++
	id := b.nextID
	b.handlers[channel][id] = h

	sub := &Subscription{bus: b, channel: channel, id: id}
	sub.stop = context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })

	b.logger.Debug("invalidation subscription added", "channel", channel, "id", id)
	return sub, nil
}

// Close closes the pub/sub connection and waits for the listener to exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.pubsub
	b.handlers = make(map[string]map[uint64]Handler)
	b.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
	}
	b.wg.Wait()
	return err
}

func (b *Bus) remove(channel string, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	hs, ok := b.handlers[channel]
	if !ok {
		return nil
	}
	delete(hs, id)
	if len(hs) > 0 {
		return nil
	}
	delete(b.handlers, channel)

	if b.closed || b.pubsub == nil {
		return nil
	}
	return b.pubsub.Unsubscribe(context.Background(), channel)
}

func (b *Bus) listen(ch <-chan *redis.Message) {
	defer b.wg.Done()

	for msg := range ch {
		b.mu.Lock()
		hs := make([]Handler, 0, len(b.handlers[msg.Channel]))
		for _, h := range b.handlers[msg.Channel] {
			hs = append(hs, h)
		}
		b.mu.Unlock()

		event := InvalidationMessage{Channel: msg.Channel, Key: msg.Payload}
		for _, h := range hs {
			b.dispatch(h, event)
		}
	}
}

func (b *Bus) dispatch(h Handler, msg InvalidationMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("invalidation handler panicked", "channel", msg.Channel, "key", msg.Key, "panic", r)
		}
	}()
	h(msg)
}

// Subscription is a cancellable handle for one registered handler.
type Subscription struct {
	bus     *Bus
	channel string
	id      uint64
	once    sync.Once
	stop    func() bool
}

// Channel returns the subscribed channel.
func (s *Subscription) Channel() string {
	return s.channel
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		err = s.bus.remove(s.channel, s.id)
	})
	return err
}
