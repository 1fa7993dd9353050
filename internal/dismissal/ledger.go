package dismissal

import (
	"sync"

	"github.com/jogardn/allergy-notices/internal/devicestore"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

// MaxCapacity bounds the ledger whatever the configured capacity.
const (
	MaxCapacity     = 25
	DefaultCapacity = MaxCapacity
)

type record struct {
	IDs []string `json:"ids"`
}

// Ledger is the device-local list of notice ids hidden from this device's
// view. It never touches the server record.
type Ledger struct {
	mutex    sync.RWMutex
	ids      []string // oldest first
	capacity int
	store    devicestore.Store
	key      string
	logger   *logrus.Logger
}

func NewLedger(store devicestore.Store, restaurantID string, capacity int, logger *logrus.Logger) *Ledger {
	if capacity <= 0 {
		logger.WithFields(logrus.Fields{
			"invalid_value": capacity,
			"default_value": DefaultCapacity,
		}).Warn("Invalid dismissal capacity, using default")
		capacity = DefaultCapacity
	}
	if capacity > MaxCapacity {
		logger.WithFields(logrus.Fields{
			"invalid_value": capacity,
			"max_allowed":   MaxCapacity,
		}).Warn("Dismissal capacity too high, capping at maximum")
		capacity = MaxCapacity
	}

	l := &Ledger{
		capacity: capacity,
		store:    store,
		key:      devicestore.DismissedKey(restaurantID),
		logger:   logger,
	}

	var rec record
	ok, err := store.Load(l.key, &rec)
	if err != nil {
		logger.WithError(err).Warn("Failed to load dismissed notices, starting empty")
	} else if ok {
		l.ids = rec.IDs
		l.trim()
	}
	return l
}

func (l *Ledger) IsDismissed(id string) bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.indexOf(id) >= 0
}

// Dismiss hides id on this device. Dismissing an id twice is a no-op; past
// capacity the oldest id is forgotten.
func (l *Ledger) Dismiss(id string) error {
	if id == "" {
		return nil
	}

	l.mutex.Lock()
	if l.indexOf(id) >= 0 {
		l.mutex.Unlock()
		return nil
	}
	l.ids = append(l.ids, id)
	evicted := l.trim()
	snapshot := append([]string(nil), l.ids...)
	l.mutex.Unlock()

	l.logger.WithFields(logrus.Fields{
		"notice_id": id,
		"evicted":   evicted,
		"size":      len(snapshot),
	}).Info("Notice dismissed on this device")

	if err := l.store.Save(l.key, record{IDs: snapshot}); err != nil {
		l.logger.WithError(err).Error("Failed to persist dismissed notices")
		return err
	}
	return nil
}

// Prune drops every dismissed notice from orders, whatever its status. The
// input slice is not modified.
func (l *Ledger) Prune(orders []models.Order) []models.Order {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if len(l.ids) == 0 {
		return orders
	}
	kept := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if l.indexOf(o.ID) < 0 {
			kept = append(kept, o)
		}
	}
	return kept
}

func (l *Ledger) IDs() []string {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return append([]string(nil), l.ids...)
}

func (l *Ledger) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.ids)
}

func (l *Ledger) indexOf(id string) int {
	for i, v := range l.ids {
		if v == id {
			return i
		}
	}
	return -1
}

func (l *Ledger) trim() int {
	over := len(l.ids) - l.capacity
	if over <= 0 {
		return 0
	}
	l.ids = append([]string(nil), l.ids[over:]...)
	return over
}
