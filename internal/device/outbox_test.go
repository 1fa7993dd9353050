package device

import (
	"context"
	"testing"
	"time"

	"github.com/jogardn/allergy-notices/internal/devicestore"
	"github.com/jogardn/allergy-notices/internal/orders"
	"github.com/jogardn/allergy-notices/internal/store"
	"github.com/jogardn/allergy-notices/pkg/models"
)

func TestOutboxKeepsNewestRevision(t *testing.T) {
	gw := &switchableGateway{Gateway: orders.NewStoreGateway(store.NewMemory())}
	box := NewOutbox(gw, devicestore.NewMemoryStore(), "rest-1", 2, quietLogger())

	box.Enqueue(&models.Order{ID: "n-1", Revision: 4}, "rest-1")
	box.Enqueue(&models.Order{ID: "n-1", Revision: 3}, "rest-1")
	box.Settle("n-1", 3)
	if !box.IsPending("n-1") {
		t.Fatal("settling an older revision dropped the newer write")
	}
	box.Settle("n-1", 4)
	if box.HasPending() {
		t.Error("write still pending after its revision was stored")
	}
}

func TestOutboxDrain(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	gw := &switchableGateway{Gateway: orders.NewStoreGateway(mem)}
	box := NewOutbox(gw, devicestore.NewMemoryStore(), "rest-1", 2, quietLogger())

	for _, id := range []string{"n-1", "n-2", "n-3"} {
		box.Enqueue(&models.Order{ID: id, RestaurantID: "rest-1", Status: models.StatusSubmittedToServer, Revision: 3}, "rest-1")
	}

	gw.down.Store(true)
	result := box.Drain(ctx)
	if result.Attempted != 3 || result.Failed != 3 || len(result.Errors) != 3 {
		t.Fatalf("failed drain = %+v", result)
	}
	if box.Len() != 3 {
		t.Fatalf("pending = %d, failures must stay queued", box.Len())
	}

	gw.down.Store(false)
	result = box.Drain(ctx)
	if result.Saved != 3 || result.Failed != 0 {
		t.Fatalf("drain = %+v", result)
	}
	if box.HasPending() {
		t.Error("outbox not empty after successful drain")
	}
	if n, _ := mem.List(ctx, []string{"rest-1"}); len(n) != 3 {
		t.Errorf("stored %d notices", len(n))
	}

	if result := box.Drain(ctx); result.Attempted != 0 {
		t.Errorf("empty drain attempted %d", result.Attempted)
	}
}

func TestOutboxSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	gw := &switchableGateway{Gateway: orders.NewStoreGateway(mem)}
	device := devicestore.NewMemoryStore()

	first := NewOutbox(gw, device, "rest-1", 2, quietLogger())
	first.Enqueue(&models.Order{ID: "n-1", RestaurantID: "rest-1", Status: models.StatusSubmittedToServer, Revision: 3}, "rest-1")

	second := NewOutbox(gw, device, "rest-1", 2, quietLogger())
	if !second.IsPending("n-1") {
		t.Fatal("queued write lost when the outbox was rebuilt")
	}
	if other := NewOutbox(gw, device, "rest-2", 2, quietLogger()); other.HasPending() {
		t.Error("another restaurant's outbox picked up the queued write")
	}

	if result := second.Drain(ctx); result.Saved != 1 {
		t.Fatalf("drain = %+v", result)
	}
	if third := NewOutbox(gw, device, "rest-1", 2, quietLogger()); third.HasPending() {
		t.Error("saved write came back after a restart")
	}
	if _, err := mem.Get(ctx, "n-1"); err != nil {
		t.Errorf("notice not stored: %v", err)
	}
}

func TestOutboxDropsConflictingWrite(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	gw := &switchableGateway{Gateway: orders.NewStoreGateway(mem)}
	box := NewOutbox(gw, devicestore.NewMemoryStore(), "rest-1", 2, quietLogger())

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sent := models.HistoryEntry{Actor: models.ActorDiner, Status: models.StatusSubmittedToServer, At: at}
	approved := &models.Order{
		ID:           "n-1",
		RestaurantID: "rest-1",
		Status:       models.StatusWithKitchen,
		Revision:     4,
		History:      []models.HistoryEntry{sent, {Actor: models.ActorServer, Status: models.StatusWithKitchen, At: at.Add(time.Minute)}},
	}
	if err := mem.Upsert(ctx, approved); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rescinded := &models.Order{
		ID:           "n-1",
		RestaurantID: "rest-1",
		Status:       models.StatusRescindedByDiner,
		Revision:     4,
		History:      []models.HistoryEntry{sent, {Actor: models.ActorDiner, Status: models.StatusRescindedByDiner, At: at.Add(2 * time.Minute)}},
	}
	box.Enqueue(rescinded, "rest-1")

	result := box.Drain(ctx)
	if result.Dropped != 1 || result.Failed != 0 {
		t.Fatalf("drain = %+v", result)
	}
	if box.HasPending() {
		t.Error("conflicting write kept for retry")
	}
	if got, _ := mem.Get(ctx, "n-1"); got.Status != models.StatusWithKitchen {
		t.Errorf("stored status = %s", got.Status)
	}
}
