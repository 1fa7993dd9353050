package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogardn/allergy-notices/internal/store"
	"github.com/jogardn/allergy-notices/pkg/models"
)

var (
	// ErrUnavailable marks a failure the caller may retry later: the
	// service could not be reached, answered 5xx, or the breaker is open.
	ErrUnavailable = errors.New("notice service unavailable")
	// ErrRejected marks a request the service refused as malformed.
	ErrRejected = errors.New("notice service rejected request")
	// ErrConflict means the notice changed on the service since the copy
	// being saved was taken. Retrying the same write cannot succeed.
	ErrConflict = errors.New("notice changed on the service")
	ErrNotFound = errors.New("notice not found")
)

type SaveOptions struct {
	RestaurantID string
}

// Gateway is the device's view of the shared notice store.
type Gateway interface {
	// Save upserts o by id. Saving the same revision twice is harmless; a
	// copy that branched from an older one fails with ErrConflict.
	Save(ctx context.Context, o *models.Order, opts SaveOptions) error
	FetchOrders(ctx context.Context, restaurantIDs []string) ([]models.Order, error)
}

// StoreGateway serves the Gateway contract straight from a store, for
// single-process setups and tests.
type StoreGateway struct {
	store store.Store
}

func NewStoreGateway(s store.Store) *StoreGateway {
	return &StoreGateway{store: s}
}

func (g *StoreGateway) Save(ctx context.Context, o *models.Order, opts SaveOptions) error {
	if opts.RestaurantID != "" && o.RestaurantID == "" {
		o = o.Clone()
		o.RestaurantID = opts.RestaurantID
	}
	err := g.store.Upsert(ctx, o)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (g *StoreGateway) FetchOrders(ctx context.Context, restaurantIDs []string) ([]models.Order, error) {
	notices, err := g.store.List(ctx, restaurantIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return notices, nil
}
