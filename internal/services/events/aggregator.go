package events

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/models"
)

// JobEventAggregator coalesces job status events so a busy init, which
// spawns a child per record, does not flood websocket clients. Only the
// latest event per job is kept between flushes. Terminal events for
// top-level jobs flush immediately.
type JobEventAggregator struct {
	mu       sync.Mutex
	interval time.Duration
	pending  map[string]models.JobEvent
	order    []string
	onFlush  func(ctx context.Context, events []models.JobEvent)
	logger   arbor.ILogger
}

// NewJobEventAggregator creates an aggregator that flushes every interval
func NewJobEventAggregator(interval time.Duration, onFlush func(ctx context.Context, events []models.JobEvent), logger arbor.ILogger) *JobEventAggregator {
	if interval <= 0 {
		interval = time.Second
	}
	return &JobEventAggregator{
		interval: interval,
		pending:  make(map[string]models.JobEvent),
		onFlush:  onFlush,
		logger:   logger,
	}
}

// Record queues an event, replacing any earlier one for the same job
func (a *JobEventAggregator) Record(ctx context.Context, event models.JobEvent) {
	if event.JobID == "" {
		return
	}

	if event.ParentID == "" && event.Status.IsTerminal() {
		a.mu.Lock()
		if _, ok := a.pending[event.JobID]; ok {
			delete(a.pending, event.JobID)
			a.order = removeID(a.order, event.JobID)
		}
		a.mu.Unlock()
		a.emit(ctx, []models.JobEvent{event})
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[event.JobID]; !ok {
		a.order = append(a.order, event.JobID)
	}
	a.pending[event.JobID] = event
}

// Flush emits every pending event in first-seen order
func (a *JobEventAggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.order) == 0 {
		a.mu.Unlock()
		return
	}
	batch := make([]models.JobEvent, 0, len(a.order))
	for _, id := range a.order {
		batch = append(batch, a.pending[id])
	}
	a.pending = make(map[string]models.JobEvent)
	a.order = nil
	a.mu.Unlock()

	a.logger.Trace().Int("event_count", len(batch)).Msg("Flushing job events")
	a.emit(ctx, batch)
}

// Start flushes periodically until ctx is done, then flushes once more
func (a *JobEventAggregator) Start(ctx context.Context) {
	common.SafeGo(a.logger, "job-event-aggregator", func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.Flush(context.Background())
				return
			case <-ticker.C:
				a.Flush(ctx)
			}
		}
	})
}

func (a *JobEventAggregator) emit(ctx context.Context, batch []models.JobEvent) {
	defer common.Recover(a.logger, "job-event-aggregator.flush")
	a.onFlush(ctx, batch)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
