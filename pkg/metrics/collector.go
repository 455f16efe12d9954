package metrics

import (
	"time"

	"github.com/cuemby/cumulus/pkg/types"
)

// UCILister is the slice of the resource repository the collector reads
type UCILister interface {
	ListUCIs() ([]*types.UCI, error)
}

// Collector periodically refreshes gauges derived from stored records
type Collector struct {
	store    UCILister
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store UCILister, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect counts UCIs per state. Every state is set, including zero counts,
// so a state that empties out does not keep a stale value.
func (c *Collector) Collect() {
	ucis, err := c.store.ListUCIs()
	if err != nil {
		UpdateComponent("store", false, err.Error())
		return
	}
	UpdateComponent("store", true, "")

	counts := make(map[types.UCIState]int, len(types.UCIStates))
	for _, uci := range ucis {
		counts[uci.State]++
	}
	for _, state := range types.UCIStates {
		UCIsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
