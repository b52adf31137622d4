package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus describes the lifecycle stage of a queued notification.
type DeliveryStatus string

// Delivery lifecycle stages.
const (
	DeliveryQueued  DeliveryStatus = "queued"
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Delivery tracks one queued notification through the worker.
type Delivery struct {
	ID           string         `json:"id"`
	Notification Notification   `json:"notification"`
	Status       DeliveryStatus `json:"status"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Worker drains a bounded queue of notifications into a dispatcher. Sends
// happen off the caller's goroutine so request handling never waits on a
// delivery backend.
type Worker struct {
	dispatcher Dispatcher
	logger     Logger

	queue chan deliveryTask
	mu    sync.RWMutex
	jobs  map[string]*Delivery

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type deliveryTask struct {
	id string
}

// NewWorker constructs a notification worker over the dispatcher. A nil
// logger disables logging.
func NewWorker(dispatcher Dispatcher, logger Logger) *Worker {
	if logger == nil {
		logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		dispatcher: dispatcher,
		logger:     logger,
		queue:      make(chan deliveryTask, 32),
		jobs:       make(map[string]*Delivery),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins draining the queue.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the in-flight send.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// Enqueue validates and queues a notification, returning the queued delivery
// snapshot. The queue is bounded; a full queue rejects instead of blocking.
func (w *Worker) Enqueue(_ context.Context, n Notification) (Delivery, error) {
	if err := n.validate(); err != nil {
		return Delivery{}, err
	}
	now := time.Now().UTC()
	delivery := Delivery{
		ID:           uuid.NewString(),
		Notification: n,
		Status:       DeliveryQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	w.mu.Lock()
	w.jobs[delivery.ID] = &delivery
	snapshot := delivery
	w.mu.Unlock()

	select {
	case w.queue <- deliveryTask{id: delivery.ID}:
	default:
		w.mu.Lock()
		delete(w.jobs, delivery.ID)
		w.mu.Unlock()
		return Delivery{}, fmt.Errorf("notification queue full")
	}
	return snapshot, nil
}

// Send implements Dispatcher by enqueueing, so callers that expect a
// synchronous dispatcher can run over the async worker unchanged.
func (w *Worker) Send(ctx context.Context, n Notification) error {
	_, err := w.Enqueue(ctx, n)
	return err
}

// Delivery returns a snapshot of a queued notification.
func (w *Worker) Delivery(id string) (Delivery, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	delivery, ok := w.jobs[id]
	if !ok {
		return Delivery{}, false
	}
	return *delivery, true
}

func (w *Worker) process(task deliveryTask) {
	w.mu.RLock()
	job, ok := w.jobs[task.id]
	if !ok {
		w.mu.RUnlock()
		return
	}
	n := job.Notification
	w.mu.RUnlock()

	w.updateStatus(task.id, DeliverySending, "")
	if err := w.dispatcher.Send(w.ctx, n); err != nil {
		w.updateStatus(task.id, DeliveryFailed, err.Error())
		w.logger.Error("notification dispatch failed", "delivery_id", task.id, "channel", n.Channel, "recipient", n.Recipient, "error", err)
		return
	}
	w.updateStatus(task.id, DeliverySent, "")
	w.logger.Debug("notification dispatched", "delivery_id", task.id, "channel", n.Channel, "recipient", n.Recipient)
}

func (w *Worker) updateStatus(id string, status DeliveryStatus, message string) {
	w.mu.Lock()
	if job, ok := w.jobs[id]; ok {
		job.Status = status
		job.Error = message
		job.UpdatedAt = time.Now().UTC()
	}
	w.mu.Unlock()
}
