// Package allocator implements BitrateAllocator: the transport-level loop
// that distributes one aggregate outgoing budget across every active
// consumer by priority, repeatedly asking each consumer to try growing into
// one more layer until the budget stops shrinking, then committing whatever
// was provisionally chosen.
package allocator

import (
	"sort"
	"time"

	"github.com/bep/debounce"
	orderedmap "github.com/elliotchance/orderedmap/v2"

	"github.com/relaysfu/sfu-core/pkg/config"
	"github.com/relaysfu/sfu-core/pkg/metrics"
)

// BweType selects how IncreaseLayer is asked to pad its affordability
// estimate: REMB's coarse, infrequent feedback warrants a looser,
// loss-adjusted guess than transport-wide-cc's accurate per-packet one.
type BweType int

const (
	BweTypeTransportCC BweType = iota
	BweTypeREMB
)

// Consumer is the allocator-facing adapter one Transport registers per
// consumer it owns. The four consumer kinds in pkg/consumer don't share one
// Go interface — Simple/Simulcast/Svc/Pipe's ApplyLayers differ in
// signature (Simulcast needs an activeSince time, Pipe takes no time at
// all) — so the owning Transport closes over whichever concrete consumer
// this entry represents rather than the allocator depending on all four
// shapes directly.
type Consumer struct {
	ID       string
	Priority uint8

	IncreaseLayer func(availableBitrate uint32, considerLoss bool, now time.Time) uint32
	ApplyLayers   func(now time.Time)
}

// Allocator runs one Distribute pass per allocation trigger (BWE estimate
// change, consumer join/leave, periodic tick) across every registered
// consumer.
type Allocator struct {
	bweType   BweType
	consumers *orderedmap.OrderedMap[string, *Consumer]
	metrics   *metrics.Metrics
	debounced func(func())
}

// New constructs an Allocator. bweType decides IncreaseLayer's loss
// adjustment (REMB) versus none (transport-wide-cc, which already reflects
// loss in its own estimate). cfg.DistributeDebounce sizes the coalescing
// window RequestReallocation uses.
func New(bweType BweType, cfg config.AllocatorConfig, m *metrics.Metrics) *Allocator {
	return &Allocator{
		bweType:   bweType,
		consumers: orderedmap.NewOrderedMap[string, *Consumer](),
		metrics:   m,
		debounced: debounce.New(cfg.DistributeDebounce),
	}
}

// RequestReallocation coalesces a burst of allocation triggers arriving
// within the configured debounce window into a single call: a transport
// wires AddConsumer/RemoveConsumer/a new BWE estimate to call this rather
// than Distribute directly, so subscribing five tracks in the same tick
// runs one Distribute pass instead of five.
func (a *Allocator) RequestReallocation(distribute func()) {
	a.debounced(distribute)
}

// AddConsumer registers c for allocation; insertion order is preserved
// within a priority band so two consumers of equal priority are served
// first-registered-first, matching a stable multimap iteration.
func (a *Allocator) AddConsumer(c *Consumer) {
	a.consumers.Set(c.ID, c)
}

func (a *Allocator) RemoveConsumer(id string) {
	a.consumers.Delete(id)
}

// Distribute runs one allocation round: a base pass gives every active
// consumer (priority descending, insertion order within a band) a single
// IncreaseLayer attempt before any consumer gets a second one, then
// successive priority passes 2..maxPriority give consumers whose own
// priority is at least that pass number one further attempt — so a
// priority-p consumer gets p attempts total this round, and no consumer
// reaches a third layer before every consumer has its first. The round
// repeats until a full base+priority sweep fails to shrink the budget
// further, then every registered consumer's ApplyLayers commits whatever
// was provisionally chosen (including those that got zero this round,
// whose provisional target is simply unchanged).
func (a *Allocator) Distribute(availableBitrate uint32, now time.Time) uint32 {
	ordered := a.byPriorityDescending()
	considerLoss := a.bweType == BweTypeREMB

	available := availableBitrate
	if len(ordered) > 0 {
		maxPriority := ordered[0].Priority

		for {
			prev := available

			for _, c := range ordered {
				available -= c.IncreaseLayer(available, considerLoss, now)
			}

			for pass := uint8(2); pass <= maxPriority; pass++ {
				for _, c := range ordered {
					if c.Priority < pass {
						continue
					}
					available -= c.IncreaseLayer(available, considerLoss, now)
				}
			}

			if available == prev {
				break
			}
		}
	}

	// ApplyLayers runs for every registered consumer, including zero-
	// priority/inactive ones — their provisional target was never touched
	// this round, so committing is a no-op, but it keeps "every registered
	// consumer gets a commit call each round" uniform for callers.
	for el := a.consumers.Front(); el != nil; el = el.Next() {
		el.Value.ApplyLayers(now)
	}

	if a.metrics != nil {
		a.metrics.SetAvailableBandwidth(int64(available))
	}
	return available
}

// byPriorityDescending returns every registered consumer with non-zero
// priority (priority 0 means "inactive, skip entirely" — IncreaseLayer
// would return 0 for it anyway, but skipping avoids a wasted call every
// pass), sorted by priority descending and otherwise in registration
// order — Go's sort.SliceStable preserves the orderedmap's insertion
// order within equal-priority runs.
func (a *Allocator) byPriorityDescending() []*Consumer {
	var out []*Consumer
	for el := a.consumers.Front(); el != nil; el = el.Next() {
		if el.Value.Priority == 0 {
			continue
		}
		out = append(out, el.Value)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
