// Package eventloop provides the single-threaded dispatch the send-side core
// runs all per-transport mutation and periodic work through. It generalizes
// the teacher's OpsQueue (an unbounded FIFO of closures drained by one
// goroutine) with a periodic ticker, so the same serial dispatcher that
// proceses on-demand ops (handle an incoming NACK, rewrite a packet) also
// drives fixed-cadence work (RTCP compound packet emission, bitrate
// redistribution) without a second goroutine racing the first over shared
// state.
package eventloop

import (
	"math/bits"
	"math/rand"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"
)

// Params configures an EventLoop.
type Params struct {
	Name        string
	MinSize     uint
	FlushOnStop bool
	Logger      logger.Logger

	// TickInterval is the periodic callback cadence. Zero disables periodic
	// dispatch entirely; the loop then behaves exactly like the teacher's
	// OpsQueue.
	TickInterval time.Duration
}

// EventLoop serializes two kinds of work onto one goroutine: ad hoc ops
// pushed by Enqueue, and a periodic Tick callback fired roughly every
// TickInterval. Both run on the same goroutine, so neither needs to
// synchronize against the other.
type EventLoop struct {
	params Params

	lock      sync.Mutex
	ops       deque.Deque[func()]
	wake      chan struct{}
	isStarted bool
	doneChan  chan struct{}
	isStopped bool

	onTick func(now time.Time)
}

func New(params Params) *EventLoop {
	el := &EventLoop{
		params:   params,
		wake:     make(chan struct{}, 1),
		doneChan: make(chan struct{}),
	}
	el.ops.SetMinCapacity(uint(utils.Min(bits.Len64(uint64(el.params.MinSize-1)), 7)))
	return el
}

// OnTick registers the periodic callback. Must be called before Start.
func (el *EventLoop) OnTick(f func(now time.Time)) {
	el.onTick = f
}

func (el *EventLoop) Start() {
	el.lock.Lock()
	if el.isStarted {
		el.lock.Unlock()
		return
	}
	el.isStarted = true
	el.lock.Unlock()

	go el.process()
	if el.params.TickInterval > 0 && el.onTick != nil {
		go el.tickLoop()
	}
}

func (el *EventLoop) Stop() <-chan struct{} {
	el.lock.Lock()
	if el.isStopped {
		el.lock.Unlock()
		return el.doneChan
	}
	el.isStopped = true
	close(el.wake)
	el.lock.Unlock()
	return el.doneChan
}

// Enqueue schedules op to run on the loop's goroutine. Safe to call from any
// goroutine, including from within another op.
func (el *EventLoop) Enqueue(op func()) {
	el.lock.Lock()
	defer el.lock.Unlock()

	if el.isStopped {
		return
	}

	el.ops.PushBack(op)
	if el.ops.Len() == 1 {
		select {
		case el.wake <- struct{}{}:
		default:
		}
	}
}

func (el *EventLoop) process() {
	defer close(el.doneChan)

	for {
		<-el.wake
		for {
			el.lock.Lock()
			if el.isStopped && (!el.params.FlushOnStop || el.ops.Len() == 0) {
				el.lock.Unlock()
				return
			}
			if el.ops.Len() == 0 {
				el.lock.Unlock()
				break
			}
			op := el.ops.PopFront()
			el.lock.Unlock()

			op()
		}
	}
}

func (el *EventLoop) tickLoop() {
	ticker := time.NewTicker(el.params.TickInterval)
	defer ticker.Stop()
	for range ticker.C {
		el.lock.Lock()
		stopped := el.isStopped
		el.lock.Unlock()
		if stopped {
			return
		}
		el.Enqueue(func() {
			if el.onTick != nil {
				el.onTick(time.Now())
			}
		})
	}
}

// JitterInterval picks a random duration in [min, max), used to desynchronize
// compound RTCP emission across many streams sharing a tick the way a real
// sender staggers SR/RR timing to avoid bursts.
func JitterInterval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
