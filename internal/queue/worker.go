package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
)

// DeliveryHandler runs one delivery to completion. It is invoked on its own
// goroutine so long waits inside a job never stall the poller.
type DeliveryHandler func(ctx context.Context, delivery *Delivery)

// WorkerPool drains the queue and hands every delivery to the handler
type WorkerPool struct {
	queueMgr *Manager
	config   Config
	handler  DeliveryHandler
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queueMgr *Manager, config Config, handler DeliveryHandler, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queueMgr: queueMgr,
		config:   config,
		handler:  handler,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the poll loop
func (wp *WorkerPool) Start() error {
	wp.logger.Info().
		Str("queue", wp.config.QueueName).
		Dur("poll_interval", wp.config.PollInterval).
		Msg("Starting worker pool")

	wp.wg.Add(1)
	go wp.poll()
	return nil
}

// Stop cancels the poll loop and every running delivery, then waits for them
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

func (wp *WorkerPool) poll() {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		wp.drain()

		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().Msg("Worker pool poll loop stopped")
			return
		case <-ticker.C:
		case <-wp.queueMgr.Notify():
		}
	}
}

// drain receives until the queue reports nothing visible
func (wp *WorkerPool) drain() {
	for wp.ctx.Err() == nil {
		delivery, err := wp.queueMgr.Receive(wp.ctx)
		if err != nil {
			if !errors.Is(err, ErrNoMessage) {
				wp.logger.Warn().Err(err).Msg("Error receiving message")
			}
			return
		}

		wp.logger.Debug().
			Str("message_id", delivery.ID).
			Str("job_id", delivery.Message.JobID).
			Str("kind", string(delivery.Message.Kind)).
			Int("receive_count", delivery.ReceiveCount).
			Msg("Dispatching message")

		wp.wg.Add(1)
		common.SafeGo(wp.logger, "delivery:"+delivery.Message.JobID, func() {
			defer wp.wg.Done()
			wp.handler(wp.ctx, delivery)
		})
	}
}
