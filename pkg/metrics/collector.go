package metrics

import (
	"time"

	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
)

// Collector periodically samples the store and pushes gauge values, for
// state that isn't naturally observed at the point it changes (queue depth
// per state, rate-limit availability).
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	c.collectWorkerMetrics()
	c.collectRateLimitMetrics()
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		return
	}

	counts := make(map[types.TaskState]int)
	for _, t := range tasks {
		counts[t.State]++
	}
	for _, state := range []types.TaskState{
		types.StatePending, types.StateProcessing, types.StatePaused,
		types.StateWaitingUnban, types.StateRetrying, types.StateNeedsHumanReview,
		types.StateCompleted, types.StateFailed, types.StateCancelled,
	} {
		TasksTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectWorkerMetrics() {
	workers, err := c.store.ListWorkers()
	if err != nil {
		return
	}
	WorkersTotal.Set(float64(len(workers)))

	busy := 0
	for _, w := range workers {
		if w.CurrentTaskID != "" {
			busy++
		}
	}
	WorkersBusy.Set(float64(busy))
}

func (c *Collector) collectRateLimitMetrics() {
	rl, err := c.store.GetRateLimitState()
	if err != nil {
		return
	}
	if rl.Available {
		RateLimitAvailable.Set(1)
	} else {
		RateLimitAvailable.Set(0)
	}
}
