package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jogardn/allergy-notices/pkg/models"
)

var (
	ErrNotFound = errors.New("notice not found")
	// ErrConflict means the write branched from an older copy of the notice
	// than the one stored, or tried to reopen a closed notice.
	ErrConflict = errors.New("notice was changed by someone else")
)

// Store is the authoritative notice table behind the notice service.
type Store interface {
	// Upsert writes o by id. A write the stored record already contains is
	// accepted without effect, so retries and late duplicates are harmless.
	// Anything else that does not extend the stored history fails with
	// ErrConflict.
	Upsert(ctx context.Context, o *models.Order) error
	List(ctx context.Context, restaurantIDs []string) ([]models.Order, error)
	Get(ctx context.Context, id string) (*models.Order, error)
	Ping(ctx context.Context) error
}

// Memory keeps notices in process. Used for local development and tests.
type Memory struct {
	mutex   sync.RWMutex
	notices map[string]*models.Order
	writes  int
}

func NewMemory() *Memory {
	return &Memory{notices: make(map[string]*models.Order)}
}

func (m *Memory) Upsert(ctx context.Context, o *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	write, err := admit(m.notices[o.ID], o)
	if !write {
		return err
	}
	m.notices[o.ID] = o.Clone()
	m.writes++
	return nil
}

// admit decides whether incoming may replace stored. A closed notice is
// never replaced, and a write must carry a newer revision of the stored
// history to land.
func admit(stored, incoming *models.Order) (bool, error) {
	switch {
	case stored == nil:
		return true, nil
	case incoming.Revision <= stored.Revision && stored.Extends(incoming):
		return false, nil
	case stored.Status.Terminal():
		return false, fmt.Errorf("%w: notice is %s", ErrConflict, stored.Status)
	case incoming.Revision > stored.Revision && incoming.Extends(stored):
		return true, nil
	default:
		return false, fmt.Errorf("%w: stored revision %d, got %d", ErrConflict, stored.Revision, incoming.Revision)
	}
}

func (m *Memory) List(ctx context.Context, restaurantIDs []string) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scope := make(map[string]bool, len(restaurantIDs))
	for _, id := range restaurantIDs {
		scope[id] = true
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]models.Order, 0, len(m.notices))
	for _, o := range m.notices {
		if scope[o.RestaurantID] {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	o, ok := m.notices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Writes counts accepted upserts.
func (m *Memory) Writes() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.writes
}
