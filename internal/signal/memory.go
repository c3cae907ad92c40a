package signal

import (
	"context"
	"log"
	"sync"
)

// subscriberBuffer bounds how many undelivered envelopes one subscriber may
// queue. Overflow drops the envelope, which keeps the transport honest about
// its at-most-once contract even in-process.
const subscriberBuffer = 64

type memorySub struct {
	ch   chan Envelope
	done chan struct{}
}

// MemoryBus is a process-local Bus used by tests and single-process
// deployments. Each subscriber gets its own bounded queue drained by its own
// goroutine, so one slow handler cannot order or block another's deliveries.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySub]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- env:
		default:
			log.Printf("SIGNAL [%s]: subscriber overflow, dropping %s", topic, env.Kind)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler func(Envelope)) (func(), error) {
	sub := &memorySub{
		ch:   make(chan Envelope, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySub]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case env := <-sub.ch:
				handler(env)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], sub)
			b.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}
