package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openpad/pad-collab-service/internal/domain/model"
)

// PublishPointer fires a pointer update into the pad's ephemeral channel.
// There is no persistence and no delivery guarantee.
func (b *Bus) PublishPointer(ctx context.Context, ev *model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pointer marshal: %w", err)
	}
	if err := b.rdb.Publish(ctx, pointerKey(ev.PadID), payload).Err(); err != nil {
		return fmt.Errorf("%w: pointer publish: %v", ErrUnavailable, err)
	}
	return nil
}

// SubscribePointers attaches to the pad's pointer channel. Only events
// published after the call are delivered; a slow consumer silently loses
// updates. The subscription is live once SubscribePointers returns.
func (b *Bus) SubscribePointers(ctx context.Context, padID uuid.UUID) (*PointerSub, error) {
	return b.relay.subscribe(ctx, padID.String())
}

// PointerSub is one subscriber's view of a pad's pointer channel.
type PointerSub struct {
	C         <-chan *model.Event
	closeOnce sync.Once
	closeFn   func()
}

func (s *PointerSub) Close() {
	s.closeOnce.Do(s.closeFn)
}

// pointerRelay holds a single Redis subscription per pad and fans messages
// out to the local subscribers through a watermill gochannel topic. N
// connections on one process cost one upstream subscription, and the
// gochannel takes care of per-subscriber buffering.
type pointerRelay struct {
	rdb   *redis.Client
	log   *slog.Logger
	local *gochannel.GoChannel

	mu    sync.Mutex
	feeds map[string]*padFeed
}

type padFeed struct {
	refs   int
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
}

func newPointerRelay(rdb *redis.Client, wmLog watermill.LoggerAdapter, log *slog.Logger) *pointerRelay {
	return &pointerRelay{
		rdb: rdb,
		log: log,
		local: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, wmLog),
		feeds: map[string]*padFeed{},
	}
}

func pointerTopic(padID string) string { return "pointers." + padID }

func (r *pointerRelay) subscribe(ctx context.Context, padID string) (*PointerSub, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := r.local.Subscribe(subCtx, pointerTopic(padID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: pointer subscribe: %v", ErrUnavailable, err)
	}

	if err := r.retain(ctx, padID); err != nil {
		cancel()
		return nil, err
	}

	out := make(chan *model.Event, 32)
	go func() {
		defer close(out)
		for msg := range msgs {
			msg.Ack()
			var ev model.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				r.log.Warn("dropping malformed pointer message", "pad_id", padID, "error", err)
				continue
			}
			select {
			case out <- &ev:
			default:
				// Subscriber is behind; pointer updates are droppable.
			}
		}
	}()

	return &PointerSub{
		C: out,
		closeFn: func() {
			cancel()
			r.release(padID)
		},
	}, nil
}

// retain starts the upstream Redis feed for a pad on first use and waits
// until the subscription is confirmed, so callers never miss messages
// published right after SubscribePointers returns.
func (r *pointerRelay) retain(ctx context.Context, padID string) error {
	r.mu.Lock()
	feed, ok := r.feeds[padID]
	if !ok {
		feedCtx, cancel := context.WithCancel(context.Background())
		feed = &padFeed{
			cancel: cancel,
			ready:  make(chan struct{}),
			done:   make(chan struct{}),
		}
		r.feeds[padID] = feed
		go r.run(feedCtx, padID, feed)
	}
	feed.refs++
	r.mu.Unlock()

	select {
	case <-feed.ready:
		return nil
	case <-feed.done:
		r.release(padID)
		return fmt.Errorf("%w: pointer feed for pad %s", ErrUnavailable, padID)
	case <-ctx.Done():
		r.release(padID)
		return ctx.Err()
	}
}

func (r *pointerRelay) release(padID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	feed, ok := r.feeds[padID]
	if !ok {
		return
	}
	feed.refs--
	if feed.refs <= 0 {
		feed.cancel()
		delete(r.feeds, padID)
	}
}

func (r *pointerRelay) run(ctx context.Context, padID string, feed *padFeed) {
	defer close(feed.done)

	pubsub := r.rdb.Subscribe(ctx, pointerKey(padID))
	defer pubsub.Close()

	// Wait for the subscription confirmation before declaring readiness.
	if _, err := pubsub.Receive(ctx); err != nil {
		r.log.Warn("pointer feed subscribe failed", "pad_id", padID, "error", err)
		return
	}
	close(feed.ready)

	ch := pubsub.Channel()
	topic := pointerTopic(padID)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg := message.NewMessage(watermill.NewUUID(), []byte(m.Payload))
			if err := r.local.Publish(topic, msg); err != nil {
				r.log.Warn("pointer fan-out failed", "pad_id", padID, "error", err)
			}
		}
	}
}

func (r *pointerRelay) close() error {
	r.mu.Lock()
	for padID, feed := range r.feeds {
		feed.cancel()
		delete(r.feeds, padID)
	}
	r.mu.Unlock()
	return r.local.Close()
}
