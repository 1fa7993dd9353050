package models

import (
	"time"
)

type Status string

const (
	StatusDraft                Status = "DRAFT"
	StatusCodeAssigned         Status = "CODE_ASSIGNED"
	StatusSubmittedToServer    Status = "SUBMITTED_TO_SERVER"
	StatusQueuedForKitchen     Status = "QUEUED_FOR_KITCHEN"
	StatusWithKitchen          Status = "WITH_KITCHEN"
	StatusAcknowledged         Status = "ACKNOWLEDGED"
	StatusAwaitingUserResponse Status = "AWAITING_USER_RESPONSE"
	StatusQuestionAnswered     Status = "QUESTION_ANSWERED"
	StatusRejectedByServer     Status = "REJECTED_BY_SERVER"
	StatusRejectedByKitchen    Status = "REJECTED_BY_KITCHEN"
	StatusRescindedByDiner     Status = "RESCINDED_BY_DINER"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejectedByServer, StatusRejectedByKitchen, StatusRescindedByDiner:
		return true
	}
	return false
}

type Actor string

const (
	ActorDiner   Actor = "diner"
	ActorServer  Actor = "server"
	ActorKitchen Actor = "kitchen"
)

type DiningMode string

const (
	DiningModeDineIn   DiningMode = "dine-in"
	DiningModeDelivery DiningMode = "delivery"
)

const (
	AnswerYes = "yes"
	AnswerNo  = "no"
)

// HistoryEntry is one audit record. Status is the status the transition
// produced and Event names the transition.
type HistoryEntry struct {
	Event   string    `json:"event,omitempty"`
	Actor   Actor     `json:"actor"`
	Author  string    `json:"author,omitempty"`
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (e HistoryEntry) Equal(other HistoryEntry) bool {
	return e.Event == other.Event &&
		e.Actor == other.Actor &&
		e.Author == other.Author &&
		e.Status == other.Status &&
		e.Message == other.Message &&
		e.At.Equal(other.At)
}

type KitchenQuestion struct {
	Text     string    `json:"text"`
	Response *string   `json:"response"`
	AskedAt  time.Time `json:"asked_at"`
}

// Pending reports whether the diner has not answered yet.
func (q *KitchenQuestion) Pending() bool {
	return q != nil && q.Response == nil
}

type KitchenMessage struct {
	// ID is chosen by the sender so a retried send is recognized.
	ID   string    `json:"id,omitempty"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Order is one allergy notice.
type Order struct {
	ID              string           `json:"id"`
	RestaurantID    string           `json:"restaurant_id"`
	UserID          string           `json:"user_id,omitempty"`
	CustomerName    string           `json:"customer_name"`
	DiningMode      DiningMode       `json:"dining_mode"`
	TableNumber     string           `json:"table_number,omitempty"`
	DeliveryAddress string           `json:"delivery_address,omitempty"`
	Items           []string         `json:"items"`
	Allergies       []string         `json:"allergies"`
	Diets           []string         `json:"diets"`
	CustomNotes     string           `json:"custom_notes,omitempty"`
	ServerCode      string           `json:"server_code,omitempty"`
	ServerID        string           `json:"server_id,omitempty"`
	ServerName      string           `json:"server_name,omitempty"`
	ChefID          string           `json:"chef_id,omitempty"`
	Status          Status           `json:"status"`
	History         []HistoryEntry   `json:"history"`
	KitchenQuestion *KitchenQuestion `json:"kitchen_question,omitempty"`
	KitchenMessages []KitchenMessage `json:"kitchen_messages,omitempty"`
	Revision        int64            `json:"revision"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	SubmittedAt     *time.Time       `json:"submitted_at,omitempty"`
	RescindedAt     *time.Time       `json:"rescinded_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing cached state.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]string(nil), o.Items...)
	c.Allergies = append([]string(nil), o.Allergies...)
	c.Diets = append([]string(nil), o.Diets...)
	c.History = append([]HistoryEntry(nil), o.History...)
	c.KitchenMessages = append([]KitchenMessage(nil), o.KitchenMessages...)
	if o.KitchenQuestion != nil {
		q := *o.KitchenQuestion
		if q.Response != nil {
			r := *q.Response
			q.Response = &r
		}
		c.KitchenQuestion = &q
	}
	if o.SubmittedAt != nil {
		t := *o.SubmittedAt
		c.SubmittedAt = &t
	}
	if o.RescindedAt != nil {
		t := *o.RescindedAt
		c.RescindedAt = &t
	}
	return &c
}

// LastEntry returns the most recent history entry.
func (o *Order) LastEntry() (HistoryEntry, bool) {
	if len(o.History) == 0 {
		return HistoryEntry{}, false
	}
	return o.History[len(o.History)-1], true
}

// Extends reports whether o's history starts with all of base's history,
// that is whether o was derived from base rather than branched from an
// earlier copy.
func (o *Order) Extends(base *Order) bool {
	if len(base.History) > len(o.History) {
		return false
	}
	for i := range base.History {
		if !o.History[i].Equal(base.History[i]) {
			return false
		}
	}
	return true
}

// LatestNotBy returns the most recent entry authored by anyone but actor.
func (o *Order) LatestNotBy(actor Actor) (HistoryEntry, bool) {
	for i := len(o.History) - 1; i >= 0; i-- {
		if o.History[i].Actor != actor {
			return o.History[i], true
		}
	}
	return HistoryEntry{}, false
}

// DeriveStatus returns the status implied by the most recent transition.
func DeriveStatus(o *Order) Status {
	if e, ok := o.LastEntry(); ok {
		return e.Status
	}
	return StatusDraft
}

type Chef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Snapshot is a device's full view of tracked notices. UpdatedAt is a logical
// clock in unix milliseconds.
type Snapshot struct {
	Orders         []Order `json:"orders"`
	Chefs          []Chef  `json:"chefs"`
	LastServerCode string  `json:"last_server_code,omitempty"`
	UpdatedAt      int64   `json:"updated_at"`
	CurrentOrderID string  `json:"current_order_id,omitempty"`
}

// Find returns a pointer into s.Orders for id.
func (s *Snapshot) Find(id string) *Order {
	for i := range s.Orders {
		if s.Orders[i].ID == id {
			return &s.Orders[i]
		}
	}
	return nil
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}
