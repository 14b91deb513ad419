package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/metrics"
)

// Handler processes one job. A nil return acks it; an error fails it.
type Handler func(ctx context.Context, job *Job) error

type route struct {
	queue      string
	visibility time.Duration
	handler    Handler
}

// Worker polls registered queues and runs their handlers
type Worker struct {
	queue       Queue
	logger      *logrus.Entry
	metrics     *metrics.Metrics
	concurrency int
	poll        time.Duration
	routes      []route
}

func NewWorker(q Queue, concurrency int, poll time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		queue:       q,
		logger:      logger.WithField("component", "queue-worker"),
		metrics:     m,
		concurrency: concurrency,
		poll:        poll,
	}
}

// Register binds a handler to a queue. visibility is both the handler's
// deadline and the time before an unacked job is redelivered.
func (w *Worker) Register(queue string, visibility time.Duration, h Handler) {
	w.routes = append(w.routes, route{queue: queue, visibility: visibility, handler: h})
}

// Run blocks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		// drain while there is work, then wait for the next tick
		for {
			if ctx.Err() != nil {
				return
			}
			worked, err := w.ProcessOne(ctx, slot)
			if err != nil {
				w.logger.WithError(err).Warn("queue poll failed")
				break
			}
			if !worked {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOne claims and runs at most one job, starting from the route at
// offset so concurrent slots spread across queues.
func (w *Worker) ProcessOne(ctx context.Context, offset int) (bool, error) {
	n := len(w.routes)
	for i := 0; i < n; i++ {
		r := w.routes[(offset+i)%n]
		job, err := w.queue.Claim(ctx, r.queue, r.visibility)
		if err != nil {
			return false, err
		}
		if job == nil {
			continue
		}
		w.execute(ctx, r, job)
		return true, nil
	}
	return false, nil
}

func (w *Worker) execute(ctx context.Context, r route, job *Job) {
	log := w.logger.WithFields(logrus.Fields{
		"queue":   job.Queue,
		"job_id":  job.ID,
		"attempt": job.Attempt,
	})

	jobCtx, cancel := context.WithTimeout(ctx, r.visibility)
	err := safeRun(jobCtx, r.handler, job)
	cancel()

	if err == nil {
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			log.WithError(ackErr).Error("failed to ack job")
		}
		w.metrics.QueueJob(job.Queue, "completed")
		return
	}

	retried, failErr := w.queue.Nack(ctx, job, err)
	if failErr != nil {
		log.WithError(failErr).Error("failed to record job failure")
		return
	}
	if retried {
		w.metrics.QueueJob(job.Queue, "retried")
		log.WithError(err).Warn("job failed, retry scheduled")
		return
	}
	w.metrics.QueueJob(job.Queue, "dead")
	log.WithError(err).Error("job failed permanently")
}

func safeRun(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, job)
}
