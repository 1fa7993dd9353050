package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/jogardn/allergy-notices/internal/orders"
	"github.com/jogardn/allergy-notices/internal/syncache"
	"github.com/jogardn/allergy-notices/internal/workflow"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultInterval = 15 * time.Second

// Presenter receives each externally authored update once.
type Presenter interface {
	Present(o models.Order, entry models.HistoryEntry)
}

// Filter drops orders this device has dismissed.
type Filter interface {
	Prune(orders []models.Order) []models.Order
}

// Outbox holds local writes the gateway has not accepted yet.
type Outbox interface {
	HasPending() bool
	IsPending(id string) bool
	Enqueue(o *models.Order, restaurantID string)
	Flush(ctx context.Context)
}

type Config struct {
	RestaurantIDs []string
	Interval      time.Duration
	// Role is whose device this is. A diner only tracks its own orders and
	// treats kitchen and server entries as external; staff track the whole
	// restaurant and treat entries by any other role as external.
	Role   models.Actor
	UserID string
}

// Reconciler polls the gateway while there is something worth watching and
// folds the authoritative state into the cache.
type Reconciler struct {
	gateway   orders.Gateway
	cache     *syncache.Cache
	filter    Filter
	presenter Presenter
	outbox    Outbox
	config    Config
	logger    *logrus.Logger

	mutex    sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
	lastSeen map[string]time.Time

	refreshMutex sync.Mutex
}

func New(gateway orders.Gateway, cache *syncache.Cache, filter Filter, presenter Presenter, config Config, logger *logrus.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Role == "" {
		config.Role = models.ActorDiner
	}
	return &Reconciler{
		gateway:   gateway,
		cache:     cache,
		filter:    filter,
		presenter: presenter,
		config:    config,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		lastSeen:  make(map[string]time.Time),
	}
}

func (r *Reconciler) SetOutbox(o Outbox) {
	r.outbox = o
}

// Sync starts polling when a tracked order is badge eligible or a local
// write is waiting to be saved, and stops it otherwise.
func (r *Reconciler) Sync() {
	if r.shouldPoll() {
		r.start()
	} else {
		r.Stop()
	}
}

func (r *Reconciler) shouldPoll() bool {
	if r.outbox != nil && r.outbox.HasPending() {
		return true
	}
	return workflow.ActiveCount(r.cache.Orders()) > 0
}

func (r *Reconciler) Running() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.cancel != nil
}

func (r *Reconciler) start() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)

	r.logger.WithFields(logrus.Fields{
		"interval": r.config.Interval.String(),
		"role":     r.config.Role,
	}).Info("Started polling")
}

// Stop ends polling and waits for an in-flight tick to finish.
func (r *Reconciler) Stop() {
	r.mutex.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mutex.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("Stopped polling")
}

// Nudge asks a running poller to refresh now instead of at the next tick.
func (r *Reconciler) Nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}

		// Errors are logged inside Refresh and retried next tick
		r.Refresh(ctx)
		if !r.shouldPoll() && r.retire(done) {
			return
		}
	}
}

// retire stops the loop owning done unless Stop or a restart got there first.
func (r *Reconciler) retire(done chan struct{}) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.done != done {
		return false
	}
	r.cancel()
	r.cancel, r.done = nil, nil
	r.logger.Info("No active notices, stopped polling")
	return true
}

// Refresh pulls the authoritative orders once and merges them in.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.refreshMutex.Lock()
	defer r.refreshMutex.Unlock()

	if r.outbox != nil {
		r.outbox.Flush(ctx)
	}

	remote, err := r.gateway.FetchOrders(ctx, r.config.RestaurantIDs)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to fetch notices, retrying next tick")
		return err
	}

	var pending func(string) bool
	if r.outbox != nil {
		pending = r.outbox.IsPending
	}

	snapshot, err := r.cache.Reconcile(func(local []models.Order) []models.Order {
		scoped := r.scope(remote, local)
		if r.filter != nil {
			scoped = r.filter.Prune(scoped)
		}
		return Merge(local, scoped, pending)
	})
	if err != nil {
		r.logger.WithError(err).Warn("Failed to persist reconciled notices")
	}

	r.logger.WithFields(logrus.Fields{
		"fetched": len(remote),
		"tracked": len(snapshot.Orders),
	}).Debug("Reconciled notices")

	r.requeue(remote, snapshot.Orders)

	r.Observe(snapshot.Orders)
	return nil
}

// requeue hands submitted notices the server has never stored back to the
// outbox, so they are saved on the next flush even if the queued write was
// lost.
func (r *Reconciler) requeue(remote, tracked []models.Order) {
	if r.outbox == nil {
		return
	}
	stored := make(map[string]bool, len(remote))
	for _, o := range remote {
		stored[o.ID] = true
	}
	for i := range tracked {
		o := &tracked[i]
		if o.SubmittedAt == nil || stored[o.ID] || r.outbox.IsPending(o.ID) {
			continue
		}
		r.logger.WithField("notice_id", o.ID).Warn("Submitted notice missing on the service, queueing it again")
		r.outbox.Enqueue(o, o.RestaurantID)
	}
}

// scope keeps what this device tracks: everything for staff, and for a
// diner the orders it owns or already holds locally.
func (r *Reconciler) scope(remote, local []models.Order) []models.Order {
	if r.config.Role != models.ActorDiner {
		return remote
	}
	held := make(map[string]bool, len(local))
	for _, o := range local {
		held[o.ID] = true
	}
	var out []models.Order
	for _, o := range remote {
		if held[o.ID] || (r.config.UserID != "" && o.UserID == r.config.UserID) {
			out = append(out, o)
		}
	}
	return out
}

// Observe compares each order's latest external entry with the one last
// seen and presents every new one exactly once. The first sighting of an
// order only records it.
func (r *Reconciler) Observe(tracked []models.Order) {
	type update struct {
		order models.Order
		entry models.HistoryEntry
	}
	var updates []update

	r.mutex.Lock()
	present := make(map[string]bool, len(tracked))
	for _, o := range tracked {
		present[o.ID] = true
		entry, ok := o.LatestNotBy(r.config.Role)
		if !ok {
			if _, seen := r.lastSeen[o.ID]; !seen {
				r.lastSeen[o.ID] = time.Time{}
			}
			continue
		}

		last, seen := r.lastSeen[o.ID]
		r.lastSeen[o.ID] = entry.At
		if seen && !entry.At.Equal(last) {
			updates = append(updates, update{order: o, entry: entry})
		}
	}
	for id := range r.lastSeen {
		if !present[id] {
			delete(r.lastSeen, id)
		}
	}
	r.mutex.Unlock()

	for _, u := range updates {
		r.logger.WithFields(logrus.Fields{
			"notice_id": u.order.ID,
			"status":    u.order.Status,
			"actor":     u.entry.Actor,
		}).Info("External update detected")
		if r.presenter != nil {
			r.presenter.Present(u.order, u.entry)
		}
	}
}

// Track records o as this device currently knows it, so a later external
// entry on it is presented even if the first poll arrives after it.
func (r *Reconciler) Track(o models.Order) {
	entry, _ := o.LatestNotBy(r.config.Role)
	r.mutex.Lock()
	r.lastSeen[o.ID] = entry.At
	r.mutex.Unlock()
}
