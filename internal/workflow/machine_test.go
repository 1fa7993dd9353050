package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

var chef1 = models.Chef{ID: "chef-1", Name: "Rosa"}

func newTestMachine() *Machine {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	m := NewMachine(logger)
	clock := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	return m
}

func draftWithCode(t *testing.T, m *Machine) *models.Order {
	t.Helper()
	o := m.NewDraft(DraftInput{
		RestaurantID: "rest-1",
		UserID:       "user-1",
		CustomerName: "Dana",
		Items:        []string{"Pad Thai"},
		Allergies:    []string{"peanut"},
	})
	if err := m.RequestServerCode(o, "A1B2Table7"); err != nil {
		t.Fatalf("RequestServerCode: %v", err)
	}
	return o
}

// orderAt drives a fresh notice into status s.
func orderAt(t *testing.T, m *Machine, s models.Status) *models.Order {
	t.Helper()
	o := m.NewDraft(DraftInput{RestaurantID: "rest-1", CustomerName: "Dana", Items: []string{"Pad Thai"}})
	steps := map[models.Status]func() error{
		models.StatusCodeAssigned:         func() error { return m.RequestServerCode(o, "A1B2Table7") },
		models.StatusSubmittedToServer:    func() error { return m.Submit(o, SubmitInput{}) },
		models.StatusQueuedForKitchen:     func() error { return m.Queue(o, "") },
		models.StatusWithKitchen:          func() error { return m.Dispatch(o, "") },
		models.StatusAwaitingUserResponse: func() error { return m.AskQuestion(o, chef1, "Can you eat sesame oil?") },
		models.StatusQuestionAnswered:     func() error { return m.Respond(o, "yes") },
		models.StatusAcknowledged:         func() error { return m.Acknowledge(o, chef1) },
	}
	path := []models.Status{
		models.StatusCodeAssigned, models.StatusSubmittedToServer, models.StatusQueuedForKitchen,
		models.StatusWithKitchen, models.StatusAwaitingUserResponse, models.StatusQuestionAnswered,
		models.StatusAcknowledged,
	}
	for _, step := range path {
		if o.Status == s {
			return o
		}
		if err := steps[step](); err != nil {
			t.Fatalf("driving to %s, step %s: %v", s, step, err)
		}
	}
	if o.Status != s {
		t.Fatalf("could not drive notice to %s", s)
	}
	return o
}

func TestTransitionsReachDocumentedTargets(t *testing.T) {
	tests := []struct {
		name  string
		from  models.Status
		apply func(m *Machine, o *models.Order) error
		want  models.Status
	}{
		{"request code", models.StatusDraft, func(m *Machine, o *models.Order) error { return m.RequestServerCode(o, "A1B2") }, models.StatusCodeAssigned},
		{"submit", models.StatusCodeAssigned, func(m *Machine, o *models.Order) error { return m.Submit(o, SubmitInput{}) }, models.StatusSubmittedToServer},
		{"approve", models.StatusSubmittedToServer, func(m *Machine, o *models.Order) error { return m.Approve(o, "") }, models.StatusWithKitchen},
		{"queue", models.StatusSubmittedToServer, func(m *Machine, o *models.Order) error { return m.Queue(o, "") }, models.StatusQueuedForKitchen},
		{"dispatch", models.StatusQueuedForKitchen, func(m *Machine, o *models.Order) error { return m.Dispatch(o, "") }, models.StatusWithKitchen},
		{"server reject", models.StatusSubmittedToServer, func(m *Machine, o *models.Order) error { return m.RejectByServer(o, "", "Kitchen closed") }, models.StatusRejectedByServer},
		{"server reject queued", models.StatusQueuedForKitchen, func(m *Machine, o *models.Order) error { return m.RejectByServer(o, "", "") }, models.StatusRejectedByServer},
		{"acknowledge", models.StatusWithKitchen, func(m *Machine, o *models.Order) error { return m.Acknowledge(o, chef1) }, models.StatusAcknowledged},
		{"ask", models.StatusWithKitchen, func(m *Machine, o *models.Order) error { return m.AskQuestion(o, chef1, "Butter ok?") }, models.StatusAwaitingUserResponse},
		{"message", models.StatusWithKitchen, func(m *Machine, o *models.Order) error { return m.SendMessage(o, chef1, "", "We will use a clean wok") }, models.StatusAwaitingUserResponse},
		{"respond", models.StatusAwaitingUserResponse, func(m *Machine, o *models.Order) error { return m.Respond(o, "no") }, models.StatusQuestionAnswered},
		{"rescind", models.StatusWithKitchen, func(m *Machine, o *models.Order) error { return m.Rescind(o) }, models.StatusRescindedByDiner},
		{"rescind draft", models.StatusDraft, func(m *Machine, o *models.Order) error { return m.Rescind(o) }, models.StatusRescindedByDiner},
		{"kitchen reject", models.StatusQuestionAnswered, func(m *Machine, o *models.Order) error { return m.RejectByKitchen(o, chef1, "") }, models.StatusRejectedByKitchen},
		{"reset", models.StatusAcknowledged, func(m *Machine, o *models.Order) error { return m.ResetToKitchen(o, "", "") }, models.StatusWithKitchen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine()
			o := orderAt(t, m, tt.from)
			before := len(o.History)
			rev := o.Revision

			if err := tt.apply(m, o); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if o.Status != tt.want {
				t.Errorf("status = %s, want %s", o.Status, tt.want)
			}
			if got := len(o.History) - before; got != 1 {
				t.Errorf("appended %d history entries, want 1", got)
			}
			if models.DeriveStatus(o) != o.Status {
				t.Errorf("derived status %s differs from %s", models.DeriveStatus(o), o.Status)
			}
			if o.Revision != rev+1 {
				t.Errorf("revision = %d, want %d", o.Revision, rev+1)
			}
		})
	}
}

func TestReplayedTransitionIsIdempotent(t *testing.T) {
	tests := []struct {
		name  string
		from  models.Status
		apply func(m *Machine, o *models.Order) error
	}{
		{"request code", models.StatusDraft, func(m *Machine, o *models.Order) error { return m.RequestServerCode(o, "A1B2Table7") }},
		{"submit", models.StatusCodeAssigned, func(m *Machine, o *models.Order) error { return m.Submit(o, SubmitInput{}) }},
		{"approve", models.StatusSubmittedToServer, func(m *Machine, o *models.Order) error { return m.Approve(o, "") }},
		{"acknowledge", models.StatusWithKitchen, func(m *Machine, o *models.Order) error { return m.Acknowledge(o, chef1) }},
		{"ask", models.StatusWithKitchen, func(m *Machine, o *models.Order) error { return m.AskQuestion(o, chef1, "Butter ok?") }},
		{"message", models.StatusWithKitchen, func(m *Machine, o *models.Order) error { return m.SendMessage(o, chef1, "msg-1", "Noted") }},
		{"respond", models.StatusAwaitingUserResponse, func(m *Machine, o *models.Order) error { return m.Respond(o, "yes") }},
		{"rescind", models.StatusSubmittedToServer, func(m *Machine, o *models.Order) error { return m.Rescind(o) }},
		{"server reject", models.StatusSubmittedToServer, func(m *Machine, o *models.Order) error { return m.RejectByServer(o, "", "Kitchen closed") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine()
			o := orderAt(t, m, tt.from)

			if err := tt.apply(m, o); err != nil {
				t.Fatalf("first apply: %v", err)
			}
			status := o.Status
			entries := len(o.History)
			rev := o.Revision

			if err := tt.apply(m, o); err != nil {
				t.Fatalf("replay: %v", err)
			}
			if o.Status != status {
				t.Errorf("status after replay = %s, want %s", o.Status, status)
			}
			if len(o.History) != entries {
				t.Errorf("replay appended %d entries", len(o.History)-entries)
			}
			if o.Revision != rev {
				t.Errorf("replay bumped revision to %d", o.Revision)
			}
		})
	}
}

func TestNoTransitionLeavesTerminalStates(t *testing.T) {
	terminals := map[string]func(m *Machine, o *models.Order) error{
		"rejected by server":  func(m *Machine, o *models.Order) error { return m.RejectByServer(o, "", "closed") },
		"rejected by kitchen": func(m *Machine, o *models.Order) error { return m.RejectByKitchen(o, chef1, "no") },
		"rescinded":           func(m *Machine, o *models.Order) error { return m.Rescind(o) },
	}
	attempts := map[string]func(m *Machine, o *models.Order) error{
		"request code":   func(m *Machine, o *models.Order) error { return m.RequestServerCode(o, "ZZZZ") },
		"submit":         func(m *Machine, o *models.Order) error { return m.Submit(o, SubmitInput{}) },
		"approve":        func(m *Machine, o *models.Order) error { return m.Approve(o, "") },
		"queue":          func(m *Machine, o *models.Order) error { return m.Queue(o, "") },
		"dispatch":       func(m *Machine, o *models.Order) error { return m.Dispatch(o, "") },
		"acknowledge":    func(m *Machine, o *models.Order) error { return m.Acknowledge(o, chef1) },
		"ask":            func(m *Machine, o *models.Order) error { return m.AskQuestion(o, chef1, "new?") },
		"message":        func(m *Machine, o *models.Order) error { return m.SendMessage(o, chef1, "", "hello") },
		"respond":        func(m *Machine, o *models.Order) error { return m.Respond(o, "no") },
		"reset":          func(m *Machine, o *models.Order) error { return m.ResetToKitchen(o, "", "") },
		"kitchen reject": func(m *Machine, o *models.Order) error { return m.RejectByKitchen(o, chef1, "other reason") },
		"server reject":  func(m *Machine, o *models.Order) error { return m.RejectByServer(o, "", "other reason") },
	}

	for tname, terminate := range terminals {
		for aname, attempt := range attempts {
			t.Run(tname+"/"+aname, func(t *testing.T) {
				m := newTestMachine()
				from := models.StatusWithKitchen
				if tname == "rejected by server" {
					from = models.StatusSubmittedToServer
				}
				o := orderAt(t, m, from)
				if err := terminate(m, o); err != nil {
					t.Fatalf("terminate: %v", err)
				}
				before := o.Clone()

				err := attempt(m, o)
				if err == nil {
					// only a replay of the closing transition may succeed, and it must be a no-op
					if len(o.History) != len(before.History) || o.Status != before.Status {
						t.Fatalf("expected precondition error, got nil")
					}
					return
				}
				if !errors.Is(err, ErrTerminal) {
					t.Errorf("error = %v, want ErrTerminal", err)
				}
				if !IsPrecondition(err) {
					t.Errorf("IsPrecondition(%v) = false", err)
				}
				if o.Status != before.Status || len(o.History) != len(before.History) || o.Revision != before.Revision {
					t.Error("terminal order was mutated")
				}
			})
		}
	}
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	m := newTestMachine()

	o := orderAt(t, m, models.StatusSubmittedToServer)
	if err := m.Dispatch(o, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("dispatch from submitted: got %v", err)
	}
	if err := m.Respond(o, "yes"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("respond without question: got %v", err)
	}

	o = orderAt(t, m, models.StatusWithKitchen)
	if err := m.SendMessage(o, chef1, "", "Just checking"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := m.Respond(o, "yes"); !errors.Is(err, ErrNoPendingQuestion) {
		t.Errorf("respond after plain message: got %v", err)
	}
	if err := m.AskQuestion(o, chef1, "Dairy?"); err != nil {
		t.Fatalf("AskQuestion: %v", err)
	}
	if err := m.AskQuestion(o, chef1, "Eggs?"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second question while pending: got %v", err)
	}
	if err := m.Respond(o, "maybe"); !errors.Is(err, ErrInvalidAnswer) {
		t.Errorf("bad answer: got %v", err)
	}

	if err := m.Acknowledge(o, models.Chef{}); !errors.Is(err, ErrChefRequired) {
		t.Errorf("acknowledge without chef: got %v", err)
	}
	if err := m.Approve(nil, ""); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("approve nil order: got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	m := newTestMachine()

	tests := []struct {
		name  string
		draft DraftInput
		code  string
		field string
	}{
		{"missing name", DraftInput{RestaurantID: "r", Items: []string{"Soup"}}, "A1B2", "customer_name"},
		{"missing code for dine-in", DraftInput{RestaurantID: "r", CustomerName: "Dana", Items: []string{"Soup"}}, "", "server_code"},
		{"no items", DraftInput{RestaurantID: "r", CustomerName: "Dana", Items: []string{"  "}}, "A1B2", "items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := m.NewDraft(tt.draft)
			if tt.code != "" {
				if err := m.RequestServerCode(o, tt.code); err != nil {
					t.Fatalf("RequestServerCode: %v", err)
				}
			}
			before := o.Clone()

			err := m.Submit(o, SubmitInput{})
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %s, want %s", verr.Field, tt.field)
			}
			if o.Status != before.Status || len(o.History) != len(before.History) {
				t.Error("validation failure mutated the order")
			}
		})
	}

	delivery := m.NewDraft(DraftInput{RestaurantID: "r", CustomerName: "Dana", DiningMode: models.DiningModeDelivery, Items: []string{"Soup"}})
	if err := m.Submit(delivery, SubmitInput{}); err != nil {
		t.Errorf("delivery without server code should submit: %v", err)
	}
}

func TestSubmitSnapshotsRestrictions(t *testing.T) {
	m := newTestMachine()
	o := draftWithCode(t, m)

	err := m.Submit(o, SubmitInput{
		Allergies: []string{" Peanut", "sesame", "peanut "},
		Diets:     []string{"Vegan"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(o.Allergies) != 2 || o.Allergies[0] != "peanut" || o.Allergies[1] != "sesame" {
		t.Errorf("allergies = %v", o.Allergies)
	}
	if len(o.Diets) != 1 || o.Diets[0] != "vegan" {
		t.Errorf("diets = %v", o.Diets)
	}
	if o.SubmittedAt == nil {
		t.Fatal("submitted_at not set")
	}
	first := *o.SubmittedAt

	// a replay must not move submitted_at
	if err := m.Submit(o, SubmitInput{}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !o.SubmittedAt.Equal(first) {
		t.Error("submitted_at changed on replay")
	}
}

func TestParseServerCode(t *testing.T) {
	tests := []struct {
		code, id, table, name string
	}{
		{"A1B2Table7", "A1B2", "Table7", "Server A1B2"},
		{"A1B2", "A1B2", "", "Server A1B2"},
		{"  ", "0000", "", "Server 0000"},
		{"", "0000", "", "Server 0000"},
		{"XY", "XY", "", "Server XY"},
		{"QW12 14", "QW12", "14", "Server QW12"},
	}
	for _, tt := range tests {
		got := ParseServerCode(tt.code)
		if got.ServerID != tt.id || got.TableNumber != tt.table || got.ServerName != tt.name {
			t.Errorf("ParseServerCode(%q) = %+v", tt.code, got)
		}
	}
}

func TestHistoryTimesNeverGoBackwards(t *testing.T) {
	m := newTestMachine()
	o := draftWithCode(t, m)

	last, _ := o.LastEntry()
	m.SetClock(func() time.Time { return last.At.Add(-time.Hour) })
	if err := m.Submit(o, SubmitInput{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 1; i < len(o.History); i++ {
		if o.History[i].At.Before(o.History[i-1].At) {
			t.Fatalf("history entry %d is earlier than its predecessor", i)
		}
	}
}

func TestScenarioHappyPath(t *testing.T) {
	m := newTestMachine()
	o := draftWithCode(t, m)

	if o.Status != models.StatusCodeAssigned || o.ServerID != "A1B2" || o.TableNumber != "Table7" {
		t.Fatalf("after code: status=%s server=%s table=%s", o.Status, o.ServerID, o.TableNumber)
	}
	if err := m.Submit(o, SubmitInput{}); err != nil || o.Status != models.StatusSubmittedToServer {
		t.Fatalf("submit: %v (%s)", err, o.Status)
	}
	if err := m.Approve(o, ""); err != nil || o.Status != models.StatusWithKitchen {
		t.Fatalf("approve: %v (%s)", err, o.Status)
	}
	if err := m.Acknowledge(o, chef1); err != nil || o.Status != models.StatusAcknowledged {
		t.Fatalf("acknowledge: %v (%s)", err, o.Status)
	}
	if !IsActive(o.Status) {
		t.Error("acknowledged notice should still count as active")
	}
	if o.ChefID != "chef-1" {
		t.Errorf("chef = %s", o.ChefID)
	}
}

func TestScenarioKitchenQuestion(t *testing.T) {
	m := newTestMachine()
	o := orderAt(t, m, models.StatusWithKitchen)

	if err := m.AskQuestion(o, chef1, "Can you eat sesame oil?"); err != nil {
		t.Fatalf("AskQuestion: %v", err)
	}
	if o.Status != models.StatusAwaitingUserResponse || o.KitchenQuestion == nil || o.KitchenQuestion.Response != nil {
		t.Fatalf("after ask: %s %+v", o.Status, o.KitchenQuestion)
	}
	if err := m.Respond(o, "yes"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if o.Status != models.StatusQuestionAnswered || *o.KitchenQuestion.Response != "yes" {
		t.Fatalf("after respond: %s %v", o.Status, o.KitchenQuestion.Response)
	}
}

func TestScenarioServerRejects(t *testing.T) {
	m := newTestMachine()
	o := orderAt(t, m, models.StatusSubmittedToServer)

	if err := m.RejectByServer(o, "", "Kitchen closed"); err != nil {
		t.Fatalf("RejectByServer: %v", err)
	}
	if o.Status != models.StatusRejectedByServer {
		t.Fatalf("status = %s", o.Status)
	}
	if err := m.Dispatch(o, ""); !errors.Is(err, ErrTerminal) {
		t.Errorf("dispatch after reject: got %v", err)
	}
	v := Classify(o)
	if v.Active || !v.Sidebar {
		t.Errorf("visibility = %+v, want sidebar only", v)
	}
}

func TestAvailable(t *testing.T) {
	m := newTestMachine()
	o := orderAt(t, m, models.StatusSubmittedToServer)

	got := Available(o, models.ActorServer)
	want := []Kind{KindApprove, KindQueue, KindRejectByServer}
	if len(got) != len(want) {
		t.Fatalf("Available = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Available[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if kinds := Available(o, models.ActorKitchen); len(kinds) != 0 {
		t.Errorf("kitchen should have nothing to do, got %v", kinds)
	}
}

func TestActiveCount(t *testing.T) {
	orders := []models.Order{
		{Status: models.StatusDraft},
		{Status: models.StatusCodeAssigned},
		{Status: models.StatusSubmittedToServer},
		{Status: models.StatusWithKitchen},
		{Status: models.StatusRejectedByKitchen},
		{Status: models.StatusRescindedByDiner},
	}
	if n := ActiveCount(orders); n != 2 {
		t.Errorf("ActiveCount = %d, want 2", n)
	}
}

func TestRepeatedMessageTextIsSentTwice(t *testing.T) {
	m := newTestMachine()
	o := orderAt(t, m, models.StatusWithKitchen)

	for _, id := range []string{"msg-1", "msg-2"} {
		if err := m.SendMessage(o, chef1, id, "Please confirm"); err != nil {
			t.Fatalf("SendMessage %s: %v", id, err)
		}
	}
	// a retry of the first send
	if err := m.SendMessage(o, chef1, "msg-1", "Please confirm"); err != nil {
		t.Fatalf("SendMessage retry: %v", err)
	}
	if err := m.SendMessage(o, chef1, "", "Please confirm"); err != nil {
		t.Fatalf("SendMessage without id: %v", err)
	}

	if n := len(o.KitchenMessages); n != 3 {
		t.Fatalf("kitchen messages = %d, want 3", n)
	}
	ids := map[string]bool{}
	for _, msg := range o.KitchenMessages {
		if msg.ID == "" || ids[msg.ID] {
			t.Errorf("message ids must be set and unique, got %q", msg.ID)
		}
		ids[msg.ID] = true
	}
}
