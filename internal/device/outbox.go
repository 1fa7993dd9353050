package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/allergy-notices/internal/devicestore"
	"github.com/jogardn/allergy-notices/internal/orders"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

const defaultFlushConcurrency = 4

type pendingSave struct {
	order        *models.Order
	restaurantID string
	attempts     int
}

// queuedSave is the stored form of a pendingSave.
type queuedSave struct {
	Order        models.Order `json:"order"`
	RestaurantID string       `json:"restaurant_id"`
	Attempts     int          `json:"attempts"`
}

// FlushResult summarizes one pass over the outbox. Dropped counts writes
// the service refused for good.
type FlushResult struct {
	Attempted  int           `json:"attempted"`
	Saved      int           `json:"saved"`
	Failed     int           `json:"failed"`
	Superseded int           `json:"superseded"`
	Dropped    int           `json:"dropped"`
	Errors     []FlushError  `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

type FlushError struct {
	NoticeID  string    `json:"notice_id"`
	Revision  int64     `json:"revision"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Outbox holds local writes the gateway has not accepted yet. Only the
// newest revision of each notice is kept, and the queue is written to the
// device store so it outlives the process.
type Outbox struct {
	gateway     orders.Gateway
	store       devicestore.Store
	key         string
	concurrency int
	logger      *logrus.Logger

	mutex   sync.Mutex
	pending map[string]*pendingSave
}

// NewOutbox restores any writes queued by an earlier run for restaurantID.
func NewOutbox(gateway orders.Gateway, store devicestore.Store, restaurantID string, concurrency int, logger *logrus.Logger) *Outbox {
	if concurrency <= 0 {
		concurrency = defaultFlushConcurrency
	}
	b := &Outbox{
		gateway:     gateway,
		store:       store,
		key:         devicestore.OutboxKey(restaurantID),
		concurrency: concurrency,
		logger:      logger,
		pending:     make(map[string]*pendingSave),
	}
	b.load()
	return b
}

func (b *Outbox) load() {
	var queued []queuedSave
	found, err := b.store.Load(b.key, &queued)
	if err != nil {
		b.logger.WithError(err).Error("Failed to restore queued notice saves")
		return
	}
	if !found {
		return
	}
	for i := range queued {
		q := &queued[i]
		b.pending[q.Order.ID] = &pendingSave{order: q.Order.Clone(), restaurantID: q.RestaurantID, attempts: q.Attempts}
	}
	if len(b.pending) > 0 {
		b.logger.WithField("pending", len(b.pending)).Info("Restored queued notice saves")
	}
}

// persist must be called with the lock held.
func (b *Outbox) persist() {
	var err error
	if len(b.pending) == 0 {
		err = b.store.Delete(b.key)
	} else {
		queued := make([]queuedSave, 0, len(b.pending))
		for _, p := range b.pending {
			queued = append(queued, queuedSave{Order: *p.order.Clone(), RestaurantID: p.restaurantID, Attempts: p.attempts})
		}
		sort.Slice(queued, func(i, j int) bool { return queued[i].Order.ID < queued[j].Order.ID })
		err = b.store.Save(b.key, queued)
	}
	if err != nil {
		b.logger.WithError(err).Error("Failed to persist queued notice saves")
	}
}

func (b *Outbox) Enqueue(o *models.Order, restaurantID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if cur, ok := b.pending[o.ID]; ok && cur.order.Revision > o.Revision {
		return
	}
	b.pending[o.ID] = &pendingSave{order: o.Clone(), restaurantID: restaurantID}
	b.persist()

	b.logger.WithFields(logrus.Fields{
		"notice_id": o.ID,
		"revision":  o.Revision,
		"pending":   len(b.pending),
	}).Warn("Notice save queued for retry")
}

// Settle drops a queued save once revision or a newer one has been stored.
func (b *Outbox) Settle(id string, revision int64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if cur, ok := b.pending[id]; ok && cur.order.Revision <= revision {
		delete(b.pending, id)
		b.persist()
	}
}

// Discard drops whatever is queued for id.
func (b *Outbox) Discard(id string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.pending[id]; ok {
		delete(b.pending, id)
		b.persist()
	}
}

func (b *Outbox) HasPending() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.pending) > 0
}

func (b *Outbox) IsPending(id string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, ok := b.pending[id]
	return ok
}

func (b *Outbox) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.pending)
}

// Flush retries every queued save. Failures stay queued for the next call.
func (b *Outbox) Flush(ctx context.Context) {
	result := b.Drain(ctx)
	if result.Attempted == 0 {
		return
	}
	b.logger.WithFields(logrus.Fields{
		"attempted":  result.Attempted,
		"saved":      result.Saved,
		"failed":     result.Failed,
		"superseded": result.Superseded,
		"dropped":    result.Dropped,
		"duration":   result.Duration,
	}).Info("Outbox flushed")
}

// Drain is Flush that reports what happened. Saves run concurrently, at
// most concurrency at a time.
func (b *Outbox) Drain(ctx context.Context) *FlushResult {
	startTime := time.Now()
	result := &FlushResult{Errors: []FlushError{}}

	b.mutex.Lock()
	batch := make([]pendingSave, 0, len(b.pending))
	for _, p := range b.pending {
		p.attempts++
		batch = append(batch, pendingSave{order: p.order.Clone(), restaurantID: p.restaurantID, attempts: p.attempts})
	}
	b.mutex.Unlock()
	if len(batch) == 0 {
		return result
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].order.ID < batch[j].order.ID })
	result.Attempted = len(batch)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, b.concurrency)
	resultChan := make(chan *FlushResult, len(batch))

	for _, p := range batch {
		wg.Add(1)
		go func(p pendingSave) {
			defer wg.Done()
			semaphore <- struct{}{}
			resultChan <- b.save(ctx, p)
			<-semaphore
		}(p)
	}

	wg.Wait()
	close(resultChan)

	for r := range resultChan {
		mergeResults(result, r)
	}
	result.Duration = time.Since(startTime)
	return result
}

func (b *Outbox) save(ctx context.Context, p pendingSave) *FlushResult {
	result := &FlushResult{}

	select {
	case <-ctx.Done():
		result.Failed++
		return result
	default:
	}

	err := b.gateway.Save(ctx, p.order, orders.SaveOptions{RestaurantID: p.restaurantID})
	if errors.Is(err, orders.ErrConflict) || errors.Is(err, orders.ErrRejected) {
		// retrying cannot help; the next fetch brings the service's copy
		b.remove(p)
		result.Dropped++
		result.Errors = append(result.Errors, FlushError{
			NoticeID:  p.order.ID,
			Revision:  p.order.Revision,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		b.logger.WithError(err).WithField("notice_id", p.order.ID).Error("Queued notice save refused, dropping it")
		return result
	}
	if err != nil {
		result.Failed++
		result.Errors = append(result.Errors, FlushError{
			NoticeID:  p.order.ID,
			Revision:  p.order.Revision,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		b.logger.WithError(err).WithFields(logrus.Fields{
			"notice_id": p.order.ID,
			"attempts":  p.attempts,
		}).Warn("Queued notice save failed")
		return result
	}

	if b.remove(p) {
		result.Saved++
	} else {
		// a newer local write was queued while this one was in flight
		result.Superseded++
	}

	b.logger.WithField("notice_id", p.order.ID).Debug("Queued notice saved")
	return result
}

// remove drops p unless a newer revision replaced it meanwhile.
func (b *Outbox) remove(p pendingSave) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	cur, ok := b.pending[p.order.ID]
	if !ok || cur.order.Revision != p.order.Revision {
		return false
	}
	delete(b.pending, p.order.ID)
	b.persist()
	return true
}

func mergeResults(target, source *FlushResult) {
	target.Saved += source.Saved
	target.Failed += source.Failed
	target.Superseded += source.Superseded
	target.Dropped += source.Dropped
	target.Errors = append(target.Errors, source.Errors...)
}
