package statuswriter

import (
	"context"
	"errors"
	"sync"
	"time"

	"goods-dynamics/internal/models"
	"goods-dynamics/internal/storage"

	"go.uber.org/zap"
)

// ErrStopped is returned for events dispatched after Stop.
var ErrStopped = errors.New("status writer stopped")

// EventType defines the kind of status mutation
type EventType int

const (
	SaveStatusEvent EventType = iota
	ClearBeforeEvent
	DropOverridesEvent
)

func (t EventType) String() string {
	switch t {
	case SaveStatusEvent:
		return "save_status"
	case ClearBeforeEvent:
		return "clear_before"
	case DropOverridesEvent:
		return "drop_overrides"
	}
	return "unknown"
}

// Event is one status mutation waiting to be applied.
type Event struct {
	Type    EventType
	GoodsID string
	Date    time.Time
	Status  models.Status
	reply   chan result
}

type result struct {
	ok    bool
	count int64
	err   error
}

// Stats counts what the writer has applied since Start.
type Stats struct {
	Saved     int64 // SaveStatus events that hit an existing record
	Missing   int64 // SaveStatus events without a record
	Cleared   int64 // statuses nulled by ClearBefore
	Overrides int64 // manual overrides dropped
	Failed    int64
}

// Writer is responsible for every status mutation against the repository.
// All writes go through a single goroutine, so two refreshes running at the
// same time never interleave writes for the same (goods_id, date).
type Writer struct {
	repo         storage.Repository
	eventChannel chan Event
	stopChan     chan struct{}
	doneChan     chan struct{}
	logger       *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once

	mu    sync.Mutex
	stats Stats
}

// NewWriter creates a new Writer.
func NewWriter(repo storage.Repository, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		repo:         repo,
		eventChannel: make(chan Event, 1024), // Buffered channel
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		logger:       logger,
	}
}

// Start begins the writer's event loop.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		go w.eventLoop()
		w.logger.Sugar().Debug("StatusWriter started.")
	})
}

// Stop shuts down the event loop. Events still queued fail with ErrStopped.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.startOnce.Do(func() { close(w.doneChan) })
		<-w.doneChan
		w.logger.Sugar().Debug("StatusWriter stopped.")
	})
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// SaveStatus writes the status of one record. ok is false when the record does not exist.
func (w *Writer) SaveStatus(ctx context.Context, goodsID string, date time.Time, status models.Status) (bool, error) {
	r, err := w.dispatch(ctx, Event{Type: SaveStatusEvent, GoodsID: goodsID, Date: models.Day(date), Status: status})
	return r.ok, err
}

// ClearStatusBefore nulls every status of a goods_id before date.
func (w *Writer) ClearStatusBefore(ctx context.Context, goodsID string, date time.Time) (int64, error) {
	r, err := w.dispatch(ctx, Event{Type: ClearBeforeEvent, GoodsID: goodsID, Date: models.Day(date)})
	return r.count, err
}

// DropOverrides removes manual overrides of one record.
func (w *Writer) DropOverrides(ctx context.Context, goodsID string, date time.Time) (int64, error) {
	r, err := w.dispatch(ctx, Event{Type: DropOverridesEvent, GoodsID: goodsID, Date: models.Day(date)})
	return r.count, err
}

func (w *Writer) dispatch(ctx context.Context, ev Event) (result, error) {
	ev.reply = make(chan result, 1)
	select {
	case w.eventChannel <- ev:
	case <-w.stopChan:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case r := <-ev.reply:
		return r, r.err
	case <-w.doneChan:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (w *Writer) eventLoop() {
	defer close(w.doneChan)
	for {
		select {
		case ev := <-w.eventChannel:
			ev.reply <- w.processEvent(ev)
		case <-w.stopChan:
			return
		}
	}
}

// processEvent applies one event. The repository call runs without the
// caller's context so a cancelled refresh never leaves a write half-done.
func (w *Writer) processEvent(ev Event) result {
	ctx := context.Background()
	var r result
	switch ev.Type {
	case SaveStatusEvent:
		r.ok, r.err = w.repo.SaveStatus(ctx, ev.GoodsID, ev.Date, ev.Status)
	case ClearBeforeEvent:
		r.count, r.err = w.repo.ClearStatusBefore(ctx, ev.GoodsID, ev.Date)
	case DropOverridesEvent:
		r.count, r.err = w.repo.DeleteOverrides(ctx, ev.GoodsID, ev.Date)
	default:
		w.logger.Sugar().Warnf("Received event with unexpected type: %d", ev.Type)
		return result{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if r.err != nil {
		w.stats.Failed++
		w.logger.Sugar().Errorf("Failed to apply %s for goods_id %s on %s: %v",
			ev.Type, ev.GoodsID, models.FormatDate(ev.Date), r.err)
		return r
	}
	switch ev.Type {
	case SaveStatusEvent:
		if r.ok {
			w.stats.Saved++
		} else {
			w.stats.Missing++
		}
	case ClearBeforeEvent:
		w.stats.Cleared += r.count
	case DropOverridesEvent:
		w.stats.Overrides += r.count
	}
	return r
}
