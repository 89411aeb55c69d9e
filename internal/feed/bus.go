package feed

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Topic identifies a class of chain events on the bus.
type Topic string

const (
	// TopicBlock carries BlockEvent payloads for newly announced blocks.
	TopicBlock Topic = "block"

	// TopicTx carries TxEvent payloads for newly announced transactions.
	TopicTx Topic = "tx"
)

// BlockEvent announces a new best block by hash. Height is not part of the
// announcement; consumers resolve it via RPC.
type BlockEvent struct {
	Hash chainhash.Hash
}

// TxEvent announces a transaction seen by the node.
type TxEvent struct {
	TxID chainhash.Hash
}

// Handler receives events published on a topic. Handlers run on the
// subscriber's dispatch goroutine and must not block indefinitely.
type Handler func(event any)

// subscriberBufferSize bounds the per-subscriber event queue. When a
// subscriber falls this far behind, new events for it are dropped.
const subscriberBufferSize = 128

type subscriber struct {
	handler Handler
	events  chan any
	quit    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		close(s.quit)
	})
}

// Bus is an in-process publish/subscribe fan-out for chain events. Publishing
// never blocks; each subscriber consumes events on its own goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic]map[uint64]*subscriber
	nextID uint64
	closed bool

	wg sync.WaitGroup
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Topic]map[uint64]*subscriber),
	}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function. Unsubscribing is idempotent and safe after Close.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	sub := &subscriber{
		handler: handler,
		events:  make(chan any, subscriberBufferSize),
		quit:    make(chan struct{}),
	}

	id := b.nextID
	b.nextID++

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][id] = sub

	b.wg.Add(1)
	go b.dispatch(sub)

	BusSubscribersSet(string(topic), len(b.subs[topic]))

	return func() {
		b.mu.Lock()
		if subs, ok := b.subs[topic]; ok {
			if s, ok := subs[id]; ok {
				delete(subs, id)
				s.stop()
			}
			BusSubscribersSet(string(topic), len(subs))
		}
		b.mu.Unlock()
	}
}

// Publish delivers an event to all current subscribers of the topic. It never
// blocks; a subscriber whose queue is full misses the event.
func (b *Bus) Publish(topic Topic, event any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	BusEventInc(string(topic))

	for _, sub := range b.subs[topic] {
		select {
		case sub.events <- event:
		default:
			BusDroppedInc(string(topic))
		}
	}
}

// Close stops all subscriber dispatch goroutines and waits for them to drain.
// Events published after Close are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subs = make(map[Topic]map[uint64]*subscriber)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) dispatch(sub *subscriber) {
	defer b.wg.Done()

	for {
		select {
		case <-sub.quit:
			// Drain what is already queued before exiting so that
			// events accepted by Publish are not silently lost.
			for {
				select {
				case event := <-sub.events:
					sub.handler(event)
				default:
					return
				}
			}
		case event := <-sub.events:
			sub.handler(event)
		}
	}
}
