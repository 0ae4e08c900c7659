// Package transport owns the per-connection registries and lifecycle a
// send-side SFU router needs when the underlying connection goes away:
// every registered consumer stream torn down before every producer stream,
// consumer teardown itself parallelized so a transport carrying hundreds of
// consumers doesn't block Close on hundreds of sequential calls, then the
// event loop that drove both stopped last.
package transport

import (
	"sync"

	"github.com/gammazero/workerpool"

	"github.com/relaysfu/sfu-core/pkg/allocator"
	"github.com/relaysfu/sfu-core/pkg/eventloop"
)

// defaultTeardownConcurrency bounds how many consumers Close tears down at
// once.
const defaultTeardownConcurrency = 8

// Consumer is the teardown surface a Transport tracks per registered
// outgoing stream (one per consumer encoding: Simple/Simulcast/Svc each own
// exactly one, Pipe one per forwarded producer stream).
type Consumer interface {
	Close()
}

// Producer is the receive-side counterpart torn down after every consumer.
type Producer interface {
	Close()
}

// Transport ties one event loop and one BitrateAllocator to the consumer/
// producer registries whose lifecycle it owns.
type Transport struct {
	Loop      *eventloop.EventLoop
	Allocator *allocator.Allocator

	mu        sync.Mutex
	consumers map[string]Consumer
	producers map[string]Producer

	teardownConcurrency int
	closeOnce           sync.Once
}

// New constructs a Transport around an already-configured EventLoop and
// Allocator; the caller starts the loop separately (Transport doesn't
// assume a particular startup ordering relative to ICE/DTLS negotiation).
func New(loop *eventloop.EventLoop, alloc *allocator.Allocator) *Transport {
	return &Transport{
		Loop:                loop,
		Allocator:           alloc,
		consumers:           make(map[string]Consumer),
		producers:           make(map[string]Producer),
		teardownConcurrency: defaultTeardownConcurrency,
	}
}

// AddConsumer registers c under id for teardown on Close. Registering with
// the Allocator (if this consumer participates in bitrate allocation at
// all — audio consumers don't) is the caller's separate responsibility.
func (t *Transport) AddConsumer(id string, c Consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers[id] = c
}

// RemoveConsumer unregisters id from both the teardown registry and the
// allocator, for a consumer that closes on its own before the transport
// does (e.g. the remote side unsubscribed from one track).
func (t *Transport) RemoveConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
	t.Allocator.RemoveConsumer(id)
}

// AddProducer registers p under id for teardown on Close, after every
// consumer has already closed.
func (t *Transport) AddProducer(id string, p Producer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.producers[id] = p
}

// Close tears down every registered consumer in parallel (bounded by
// teardownConcurrency), then every producer, then stops the event loop and
// waits for it to drain. Safe to call more than once; only the first call
// does anything.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		consumers := make([]Consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		producers := make([]Producer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		t.mu.Unlock()

		wp := workerpool.New(t.teardownConcurrency)
		for _, c := range consumers {
			c := c
			wp.Submit(c.Close)
		}
		wp.StopWait()

		for _, p := range producers {
			p.Close()
		}

		<-t.Loop.Stop()
	})
}
