package syncache

import (
	"sync"
	"time"

	"github.com/jogardn/allergy-notices/internal/devicestore"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

// Publisher pushes locally written snapshots to the device's other tabs and
// devices.
type Publisher interface {
	PublishSnapshot(snapshot models.Snapshot) error
}

// Filter hides orders this device has dismissed.
type Filter interface {
	Prune(orders []models.Order) []models.Order
	IsDismissed(id string) bool
}

// Cache is the device-local mirror of tracked notices. UpdatedAt only moves
// forward; an incoming snapshot that is not strictly newer is dropped unread.
type Cache struct {
	mutex       sync.RWMutex
	snapshot    models.Snapshot
	store       devicestore.Store
	key         string
	filter      Filter
	publisher   Publisher
	subscribers map[int]func(models.Snapshot)
	nextSubID   int
	now         func() time.Time
	logger      *logrus.Logger
}

func New(store devicestore.Store, restaurantID string, filter Filter, logger *logrus.Logger) *Cache {
	return &Cache{
		store:       store,
		key:         devicestore.SyncKey(restaurantID),
		filter:      filter,
		subscribers: make(map[int]func(models.Snapshot)),
		now:         time.Now,
		logger:      logger,
	}
}

func (c *Cache) SetPublisher(p Publisher) {
	c.mutex.Lock()
	c.publisher = p
	c.mutex.Unlock()
}

func (c *Cache) SetClock(now func() time.Time) {
	c.mutex.Lock()
	c.now = now
	c.mutex.Unlock()
}

// Load restores the snapshot persisted by a previous run.
func (c *Cache) Load() error {
	var snap models.Snapshot
	ok, err := c.store.Load(c.key, &snap)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	c.mutex.Lock()
	c.snapshot = snap
	c.applyFilter()
	out := cloneSnapshot(c.snapshot)
	c.mutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"orders":     len(out.Orders),
		"updated_at": out.UpdatedAt,
	}).Info("Restored cached notices")
	c.notify(out)
	return nil
}

func (c *Cache) Snapshot() models.Snapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return cloneSnapshot(c.snapshot)
}

func (c *Cache) Orders() []models.Order {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return cloneOrders(c.snapshot.Orders)
}

// Order returns a private copy of the cached notice.
func (c *Cache) Order(id string) (*models.Order, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if o := c.snapshot.Find(id); o != nil {
		return o.Clone(), true
	}
	return nil, false
}

func (c *Cache) UpdatedAt() int64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.snapshot.UpdatedAt
}

// Write upserts orders by id, advances the clock, persists, notifies
// subscribers and publishes the result.
func (c *Cache) Write(orders ...*models.Order) (models.Snapshot, error) {
	return c.Update(func(s *models.Snapshot) {
		for _, o := range orders {
			upsert(s, o)
		}
	})
}

// Update applies fn to the snapshot as one local write.
func (c *Cache) Update(fn func(s *models.Snapshot)) (models.Snapshot, error) {
	c.mutex.Lock()
	fn(&c.snapshot)
	c.applyFilter()
	c.snapshot.UpdatedAt = c.tick()
	out := cloneSnapshot(c.snapshot)
	publisher := c.publisher
	c.mutex.Unlock()

	err := c.persist(out)
	c.notify(out)
	if publisher != nil {
		if perr := publisher.PublishSnapshot(out); perr != nil {
			c.logger.WithError(perr).Warn("Failed to publish snapshot")
		}
	}
	return out, err
}

// Replace swaps in an authoritative order list fetched by this device. It
// advances the clock but is not republished.
func (c *Cache) Replace(orders []models.Order) (models.Snapshot, error) {
	return c.Reconcile(func([]models.Order) []models.Order { return cloneOrders(orders) })
}

// Reconcile is Replace with the new list computed from the current one
// under the cache lock, so a local write cannot slip in between.
func (c *Cache) Reconcile(merge func(local []models.Order) []models.Order) (models.Snapshot, error) {
	c.mutex.Lock()
	c.snapshot.Orders = merge(cloneOrders(c.snapshot.Orders))
	c.applyFilter()
	c.snapshot.UpdatedAt = c.tick()
	out := cloneSnapshot(c.snapshot)
	c.mutex.Unlock()

	err := c.persist(out)
	c.notify(out)
	return out, err
}

// Receive applies a snapshot pushed by another tab or device. It reports
// whether the snapshot was newer and therefore accepted.
func (c *Cache) Receive(in models.Snapshot) bool {
	c.mutex.Lock()
	if in.UpdatedAt <= c.snapshot.UpdatedAt {
		local := c.snapshot.UpdatedAt
		c.mutex.Unlock()
		c.logger.WithFields(logrus.Fields{
			"incoming_updated_at": in.UpdatedAt,
			"local_updated_at":    local,
		}).Debug("Discarding stale snapshot")
		return false
	}

	c.snapshot.Orders = cloneOrders(in.Orders)
	c.snapshot.Chefs = append([]models.Chef(nil), in.Chefs...)
	c.snapshot.LastServerCode = in.LastServerCode
	c.snapshot.UpdatedAt = in.UpdatedAt
	c.applyFilter()
	out := cloneSnapshot(c.snapshot)
	c.mutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"orders":     len(out.Orders),
		"updated_at": out.UpdatedAt,
	}).Debug("Accepted snapshot")

	if err := c.persist(out); err != nil {
		c.logger.WithError(err).Warn("Failed to persist received snapshot")
	}
	c.notify(out)
	return true
}

// Refilter re-applies the dismissal filter after a local dismissal. It is a
// presentation change only: the clock does not move.
func (c *Cache) Refilter() models.Snapshot {
	c.mutex.Lock()
	c.applyFilter()
	out := cloneSnapshot(c.snapshot)
	c.mutex.Unlock()

	if err := c.persist(out); err != nil {
		c.logger.WithError(err).Warn("Failed to persist filtered snapshot")
	}
	c.notify(out)
	return out
}

// Focus sets the order the device is currently showing.
func (c *Cache) Focus(id string) {
	c.mutex.Lock()
	c.snapshot.CurrentOrderID = id
	out := cloneSnapshot(c.snapshot)
	c.mutex.Unlock()

	if err := c.persist(out); err != nil {
		c.logger.WithError(err).Warn("Failed to persist focus")
	}
	c.notify(out)
}

// Subscribe registers fn for every snapshot change. The returned func
// unregisters it.
func (c *Cache) Subscribe(fn func(models.Snapshot)) func() {
	c.mutex.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mutex.Unlock()

	return func() {
		c.mutex.Lock()
		delete(c.subscribers, id)
		c.mutex.Unlock()
	}
}

// applyFilter must be called with the lock held.
func (c *Cache) applyFilter() {
	if c.filter == nil {
		return
	}
	c.snapshot.Orders = c.filter.Prune(c.snapshot.Orders)
	if id := c.snapshot.CurrentOrderID; id != "" && c.filter.IsDismissed(id) {
		c.snapshot.CurrentOrderID = ""
	}
}

// tick must be called with the lock held.
func (c *Cache) tick() int64 {
	next := c.now().UnixMilli()
	if next <= c.snapshot.UpdatedAt {
		next = c.snapshot.UpdatedAt + 1
	}
	return next
}

func (c *Cache) persist(s models.Snapshot) error {
	if err := c.store.Save(c.key, s); err != nil {
		c.logger.WithError(err).Error("Failed to persist notice snapshot")
		return err
	}
	return nil
}

func (c *Cache) notify(s models.Snapshot) {
	c.mutex.RLock()
	subs := make([]func(models.Snapshot), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mutex.RUnlock()

	for _, fn := range subs {
		fn(cloneSnapshot(s))
	}
}

func upsert(s *models.Snapshot, o *models.Order) {
	if o == nil {
		return
	}
	if existing := s.Find(o.ID); existing != nil {
		*existing = *o.Clone()
		return
	}
	s.Orders = append(s.Orders, *o.Clone())
}

func cloneOrders(orders []models.Order) []models.Order {
	if orders == nil {
		return nil
	}
	out := make([]models.Order, len(orders))
	for i := range orders {
		out[i] = *orders[i].Clone()
	}
	return out
}

func cloneSnapshot(s models.Snapshot) models.Snapshot {
	out := s
	out.Orders = cloneOrders(s.Orders)
	out.Chefs = append([]models.Chef(nil), s.Chefs...)
	return out
}
