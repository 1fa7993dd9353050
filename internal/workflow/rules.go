package workflow

import (
	"github.com/jogardn/allergy-notices/pkg/models"
)

type Kind string

const (
	KindCreate          Kind = "create"
	KindRequestCode     Kind = "request_code"
	KindSubmit          Kind = "submit"
	KindApprove         Kind = "approve"
	KindQueue           Kind = "queue"
	KindDispatch        Kind = "dispatch"
	KindRejectByServer  Kind = "reject_by_server"
	KindAcknowledge     Kind = "acknowledge"
	KindAskQuestion     Kind = "ask_question"
	KindSendMessage     Kind = "send_message"
	KindRespond         Kind = "respond"
	KindRescind         Kind = "rescind"
	KindRejectByKitchen Kind = "reject_by_kitchen"
	KindResetToKitchen  Kind = "reset_to_kitchen"
)

type rule struct {
	actor models.Actor
	from  []models.Status
	to    models.Status
}

var nonTerminal = []models.Status{
	models.StatusDraft,
	models.StatusCodeAssigned,
	models.StatusSubmittedToServer,
	models.StatusQueuedForKitchen,
	models.StatusWithKitchen,
	models.StatusAcknowledged,
	models.StatusAwaitingUserResponse,
	models.StatusQuestionAnswered,
}

var kitchenOpen = []models.Status{
	models.StatusWithKitchen,
	models.StatusAwaitingUserResponse,
	models.StatusQuestionAnswered,
}

var rules = map[Kind]rule{
	KindRequestCode: {
		actor: models.ActorDiner,
		from:  []models.Status{models.StatusDraft, models.StatusCodeAssigned},
		to:    models.StatusCodeAssigned,
	},
	KindSubmit: {
		actor: models.ActorDiner,
		from:  []models.Status{models.StatusDraft, models.StatusCodeAssigned},
		to:    models.StatusSubmittedToServer,
	},
	KindApprove: {
		actor: models.ActorServer,
		from:  []models.Status{models.StatusSubmittedToServer},
		to:    models.StatusWithKitchen,
	},
	KindQueue: {
		actor: models.ActorServer,
		from:  []models.Status{models.StatusSubmittedToServer},
		to:    models.StatusQueuedForKitchen,
	},
	KindDispatch: {
		actor: models.ActorServer,
		from:  []models.Status{models.StatusQueuedForKitchen},
		to:    models.StatusWithKitchen,
	},
	KindRejectByServer: {
		actor: models.ActorServer,
		from:  []models.Status{models.StatusSubmittedToServer, models.StatusQueuedForKitchen},
		to:    models.StatusRejectedByServer,
	},
	KindAcknowledge: {
		actor: models.ActorKitchen,
		from:  kitchenOpen,
		to:    models.StatusAcknowledged,
	},
	KindAskQuestion: {
		actor: models.ActorKitchen,
		from:  kitchenOpen,
		to:    models.StatusAwaitingUserResponse,
	},
	KindSendMessage: {
		actor: models.ActorKitchen,
		from:  append(append([]models.Status(nil), kitchenOpen...), models.StatusAcknowledged),
		to:    models.StatusAwaitingUserResponse,
	},
	KindRespond: {
		actor: models.ActorDiner,
		from:  []models.Status{models.StatusAwaitingUserResponse},
		to:    models.StatusQuestionAnswered,
	},
	KindRescind: {
		actor: models.ActorDiner,
		from:  nonTerminal,
		to:    models.StatusRescindedByDiner,
	},
	KindRejectByKitchen: {
		actor: models.ActorKitchen,
		from:  kitchenOpen,
		to:    models.StatusRejectedByKitchen,
	},
	KindResetToKitchen: {
		actor: models.ActorServer,
		from:  []models.Status{models.StatusAcknowledged, models.StatusQuestionAnswered},
		to:    models.StatusWithKitchen,
	},
}

// Target returns the status a transition of kind k produces.
func Target(k Kind) (models.Status, bool) {
	r, ok := rules[k]
	return r.to, ok
}

// ActorFor returns the only actor allowed to perform k.
func ActorFor(k Kind) models.Actor {
	return rules[k].actor
}

// Available lists the transitions actor may attempt on o in its current
// status. Payload-dependent checks (pending question, chef) are not applied.
func Available(o *models.Order, actor models.Actor) []Kind {
	if o == nil || o.Status.Terminal() {
		return nil
	}
	var kinds []Kind
	for _, k := range kindOrder {
		r := rules[k]
		if r.actor == actor && containsStatus(r.from, o.Status) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

var kindOrder = []Kind{
	KindRequestCode, KindSubmit, KindApprove, KindQueue, KindDispatch,
	KindRejectByServer, KindAcknowledge, KindAskQuestion, KindSendMessage,
	KindRespond, KindRescind, KindRejectByKitchen, KindResetToKitchen,
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// IsActive reports whether an order in status s counts toward badges and
// keeps polling alive.
func IsActive(s models.Status) bool {
	switch s {
	case models.StatusDraft, models.StatusCodeAssigned,
		models.StatusRescindedByDiner, models.StatusRejectedByServer, models.StatusRejectedByKitchen:
		return false
	}
	return true
}

// IsSidebarVisible keeps closed orders so the diner can see the outcome.
func IsSidebarVisible(s models.Status) bool {
	return s != models.StatusDraft && s != models.StatusCodeAssigned
}

// Visibility is the derived, non-persisted view of one order.
type Visibility struct {
	Active  bool
	Sidebar bool
}

func Classify(o *models.Order) Visibility {
	return Visibility{Active: IsActive(o.Status), Sidebar: IsSidebarVisible(o.Status)}
}

// ActiveCount is the badge count for orders.
func ActiveCount(orders []models.Order) int {
	n := 0
	for i := range orders {
		if IsActive(orders[i].Status) {
			n++
		}
	}
	return n
}
