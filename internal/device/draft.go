package device

import (
	"time"

	"github.com/jogardn/allergy-notices/internal/devicestore"
	"github.com/jogardn/allergy-notices/internal/workflow"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultDraftTTL = time.Hour

// FormState is the half-filled notice form a diner may come back to.
type FormState struct {
	CustomerName    string            `json:"customer_name"`
	DiningMode      models.DiningMode `json:"dining_mode"`
	DeliveryAddress string            `json:"delivery_address,omitempty"`
	ServerCode      string            `json:"server_code,omitempty"`
	Items           []string          `json:"items"`
	Allergies       []string          `json:"allergies"`
	Diets           []string          `json:"diets"`
	CustomNotes     string            `json:"custom_notes,omitempty"`
	SavedAt         time.Time         `json:"saved_at"`
}

func (f FormState) DraftInput(restaurantID, userID string) workflow.DraftInput {
	return workflow.DraftInput{
		RestaurantID:    restaurantID,
		UserID:          userID,
		CustomerName:    f.CustomerName,
		DiningMode:      f.DiningMode,
		DeliveryAddress: f.DeliveryAddress,
		Items:           f.Items,
		Allergies:       f.Allergies,
		Diets:           f.Diets,
		CustomNotes:     f.CustomNotes,
	}
}

// DraftForm persists FormState per restaurant. A saved form older than the
// TTL is discarded on restore.
type DraftForm struct {
	store  devicestore.Store
	key    string
	ttl    time.Duration
	now    func() time.Time
	logger *logrus.Logger
}

func NewDraftForm(store devicestore.Store, restaurantID string, ttl time.Duration, logger *logrus.Logger) *DraftForm {
	if ttl <= 0 {
		ttl = DefaultDraftTTL
	}
	return &DraftForm{
		store:  store,
		key:    devicestore.DraftKey(restaurantID),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

func (d *DraftForm) Save(f FormState) error {
	f.SavedAt = d.now()
	return d.store.Save(d.key, f)
}

func (d *DraftForm) Restore() (FormState, bool) {
	var f FormState
	ok, err := d.store.Load(d.key, &f)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to load saved form, discarding")
		d.Clear()
		return FormState{}, false
	}
	if !ok {
		return FormState{}, false
	}
	if age := d.now().Sub(f.SavedAt); age > d.ttl {
		d.logger.WithField("age", age.String()).Debug("Saved form expired")
		d.Clear()
		return FormState{}, false
	}
	return f, true
}

func (d *DraftForm) Clear() {
	if err := d.store.Delete(d.key); err != nil {
		d.logger.WithError(err).Warn("Failed to clear saved form")
	}
}
