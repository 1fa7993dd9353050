package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/allergy-notices/internal/events"
	"github.com/jogardn/allergy-notices/internal/store"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

type Broadcaster interface {
	BroadcastRestaurant(restaurantID, messageType string, data interface{})
}

type EventPublisher interface {
	PublishNoticeUpdated(ctx context.Context, event events.NoticeUpdatedEvent) error
}

// Handler serves the notice HTTP API on top of a store.
type Handler struct {
	store     store.Store
	logger    *logrus.Logger
	publisher EventPublisher
	wsHub     Broadcaster
}

func NewHandler(s store.Store, logger *logrus.Logger) *Handler {
	return &Handler{store: s, logger: logger}
}

// SetEventPublisher routes update nudges through the event bus. Every
// replica's consumer then relays them to its own hub.
func (h *Handler) SetEventPublisher(p EventPublisher) {
	h.publisher = p
}

func (h *Handler) SetWebSocketHub(hub Broadcaster) {
	h.wsHub = hub
}

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/notices", h.ListNotices).Methods("GET")
	router.HandleFunc("/notices/{id}", h.GetNotice).Methods("GET")
	router.HandleFunc("/notices/{id}", h.SaveNotice).Methods("PUT")
}

func (h *Handler) SaveNotice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var order models.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		h.logger.WithError(err).Error("Failed to decode notice request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if order.ID == "" {
		order.ID = id
	}
	if order.ID != id {
		h.respondWithError(w, http.StatusBadRequest, "Notice id does not match path")
		return
	}
	if restaurantID := r.URL.Query().Get("restaurant_id"); restaurantID != "" {
		if order.RestaurantID == "" {
			order.RestaurantID = restaurantID
		} else if order.RestaurantID != restaurantID {
			h.respondWithError(w, http.StatusBadRequest, "Notice belongs to another restaurant")
			return
		}
	}
	if order.RestaurantID == "" {
		h.respondWithError(w, http.StatusBadRequest, "restaurant_id is required")
		return
	}
	if order.Status == "" {
		h.respondWithError(w, http.StatusBadRequest, "status is required")
		return
	}

	if err := h.store.Upsert(r.Context(), &order); err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"notice_id": order.ID,
				"revision":  order.Revision,
			}).Warn("Notice save conflicts with stored notice")
			h.respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.WithError(err).WithField("notice_id", order.ID).Error("Failed to save notice")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to save notice")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"notice_id":     order.ID,
		"restaurant_id": order.RestaurantID,
		"status":        order.Status,
		"revision":      order.Revision,
	}).Info("Notice saved")

	h.announce(r.Context(), &order)

	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Notice saved",
		Order:   &order,
	})
}

func (h *Handler) announce(ctx context.Context, o *models.Order) {
	event := events.NewNoticeUpdatedEvent(o)

	if h.publisher != nil {
		err := h.publisher.PublishNoticeUpdated(ctx, event)
		if err == nil {
			return
		}
		// Don't fail the request, fall back to this replica's clients
		h.logger.WithError(err).WithField("notice_id", o.ID).Error("Failed to publish notice updated event")
	}
	if h.wsHub != nil {
		h.wsHub.BroadcastRestaurant(o.RestaurantID, events.TypeNoticeUpdated, event)
	}
}

func (h *Handler) ListNotices(w http.ResponseWriter, r *http.Request) {
	restaurantIDs := r.URL.Query()["restaurant_id"]
	if len(restaurantIDs) == 0 {
		h.respondWithError(w, http.StatusBadRequest, "restaurant_id is required")
		return
	}

	notices, err := h.store.List(r.Context(), restaurantIDs)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list notices")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to list notices")
		return
	}
	if notices == nil {
		notices = []models.Order{}
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  notices,
		"count":   len(notices),
	})
}

func (h *Handler) GetNotice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	notice, err := h.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.respondWithError(w, http.StatusNotFound, "Notice not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("notice_id", id).Error("Failed to get notice")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to get notice")
		return
	}

	h.respondWithJSON(w, http.StatusOK, notice)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "notice-service",
			"error":   "database connection failed",
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "notice-service",
	})
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, models.OrderResponse{
		Success: false,
		Message: message,
	})
}
