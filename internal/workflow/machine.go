package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultServerID            = "0000"
	DefaultServerRejectReason  = "Your server could not accommodate this request."
	DefaultKitchenRejectReason = "The kitchen cannot safely prepare this order."
	serverIDLength             = 4
)

// Machine applies transitions to orders in place. It holds no order state.
type Machine struct {
	now    func() time.Time
	logger *logrus.Logger
}

func NewMachine(logger *logrus.Logger) *Machine {
	return &Machine{
		now:    time.Now,
		logger: logger,
	}
}

// SetClock replaces the time source used for history and timestamps.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

type DraftInput struct {
	RestaurantID    string
	UserID          string
	CustomerName    string
	DiningMode      models.DiningMode
	DeliveryAddress string
	Items           []string
	Allergies       []string
	Diets           []string
	CustomNotes     string
}

// NewDraft creates an order in DRAFT with a client-generated id.
func (m *Machine) NewDraft(in DraftInput) *models.Order {
	now := m.now()
	mode := in.DiningMode
	if mode == "" {
		mode = models.DiningModeDineIn
	}
	o := &models.Order{
		ID:              uuid.New().String(),
		RestaurantID:    in.RestaurantID,
		UserID:          in.UserID,
		CustomerName:    strings.TrimSpace(in.CustomerName),
		DiningMode:      mode,
		DeliveryAddress: strings.TrimSpace(in.DeliveryAddress),
		Items:           cleanItems(in.Items),
		Allergies:       NormalizeLabels(in.Allergies),
		Diets:           NormalizeLabels(in.Diets),
		CustomNotes:     strings.TrimSpace(in.CustomNotes),
		Status:          models.StatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.History = append(o.History, models.HistoryEntry{
		Event:   string(KindCreate),
		Actor:   models.ActorDiner,
		Author:  o.CustomerName,
		Status:  models.StatusDraft,
		Message: "Notice drafted",
		At:      now,
	})
	o.Revision = 1

	m.logger.WithFields(logrus.Fields{
		"notice_id":     o.ID,
		"restaurant_id": o.RestaurantID,
	}).Debug("Notice drafted")
	return o
}

// RequestServerCode attaches the server code the diner typed in.
func (m *Machine) RequestServerCode(o *models.Order, code string) error {
	parsed := ParseServerCode(code)
	r, err := m.begin(o, KindRequestCode, func(o *models.Order) bool {
		return o.ServerCode == parsed.Code && o.ServerID == parsed.ServerID
	})
	if err != nil || r == nil {
		return err
	}

	o.ServerCode = parsed.Code
	o.ServerID = parsed.ServerID
	o.ServerName = parsed.ServerName
	o.TableNumber = parsed.TableNumber

	msg := fmt.Sprintf("Server code entered for %s", parsed.ServerName)
	if parsed.TableNumber != "" {
		msg += fmt.Sprintf(" (table %s)", parsed.TableNumber)
	}
	m.record(o, KindRequestCode, *r, o.CustomerName, msg)
	return nil
}

type SubmitInput struct {
	RestaurantID    string
	UserID          string
	CustomerName    string
	DiningMode      models.DiningMode
	DeliveryAddress string
	Items           []string
	Allergies       []string
	Diets           []string
	CustomNotes     string
}

// Submit snapshots the diner's restrictions and hands the notice to the server.
// Non-empty input fields replace the draft's values before validation.
func (m *Machine) Submit(o *models.Order, in SubmitInput) error {
	r, err := m.begin(o, KindSubmit, func(*models.Order) bool { return true })
	if err != nil || r == nil {
		return err
	}

	next := o.Clone()
	if in.RestaurantID != "" {
		next.RestaurantID = in.RestaurantID
	}
	if in.UserID != "" {
		next.UserID = in.UserID
	}
	if name := strings.TrimSpace(in.CustomerName); name != "" {
		next.CustomerName = name
	}
	if in.DiningMode != "" {
		next.DiningMode = in.DiningMode
	}
	if addr := strings.TrimSpace(in.DeliveryAddress); addr != "" {
		next.DeliveryAddress = addr
	}
	if len(in.Items) > 0 {
		next.Items = cleanItems(in.Items)
	}
	if in.Allergies != nil {
		next.Allergies = NormalizeLabels(in.Allergies)
	}
	if in.Diets != nil {
		next.Diets = NormalizeLabels(in.Diets)
	}
	if notes := strings.TrimSpace(in.CustomNotes); notes != "" {
		next.CustomNotes = notes
	}
	if err := ValidateSubmission(next); err != nil {
		return err
	}

	*o = *next
	at := m.record(o, KindSubmit, *r, o.CustomerName, fmt.Sprintf("Notice sent to %s", serverLabel(o)))
	o.SubmittedAt = &at
	return nil
}

// ValidateSubmission checks the fields a server needs to act on a notice.
func ValidateSubmission(o *models.Order) error {
	if strings.TrimSpace(o.CustomerName) == "" {
		return &ValidationError{Field: "customer_name", Message: "name is required"}
	}
	switch o.DiningMode {
	case models.DiningModeDineIn:
		if o.ServerCode == "" {
			return &ValidationError{Field: "server_code", Message: "server code is required for dine-in"}
		}
	case models.DiningModeDelivery:
	default:
		return &ValidationError{Field: "dining_mode", Message: fmt.Sprintf("unknown dining mode %q", o.DiningMode)}
	}
	if len(o.Items) == 0 {
		return &ValidationError{Field: "items", Message: "select at least one dish"}
	}
	if o.RestaurantID == "" {
		return &ValidationError{Field: "restaurant_id", Message: "restaurant is required"}
	}
	return nil
}

// Approve approves and dispatches to the kitchen in one step.
func (m *Machine) Approve(o *models.Order, author string) error {
	r, err := m.begin(o, KindApprove, func(*models.Order) bool { return true })
	if err != nil || r == nil {
		return err
	}
	if author == "" {
		author = o.ServerName
	}
	m.record(o, KindApprove, *r, author, "Approved by your server and sent to the kitchen")
	return nil
}

// Queue approves without dispatching; Dispatch sends it on later.
func (m *Machine) Queue(o *models.Order, author string) error {
	r, err := m.begin(o, KindQueue, func(*models.Order) bool { return true })
	if err != nil || r == nil {
		return err
	}
	if author == "" {
		author = o.ServerName
	}
	m.record(o, KindQueue, *r, author, "Approved by your server, waiting for the kitchen")
	return nil
}

func (m *Machine) Dispatch(o *models.Order, author string) error {
	r, err := m.begin(o, KindDispatch, func(*models.Order) bool { return true })
	if err != nil || r == nil {
		return err
	}
	if author == "" {
		author = o.ServerName
	}
	m.record(o, KindDispatch, *r, author, "Sent to the kitchen")
	return nil
}

func (m *Machine) RejectByServer(o *models.Order, author, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultServerRejectReason
	}
	r, err := m.begin(o, KindRejectByServer, sameLastMessage(reason))
	if err != nil || r == nil {
		return err
	}
	if author == "" {
		author = o.ServerName
	}
	m.record(o, KindRejectByServer, *r, author, reason)
	return nil
}

// Acknowledge confirms the kitchen has seen the notice.
func (m *Machine) Acknowledge(o *models.Order, chef models.Chef) error {
	if chef.ID == "" {
		return ErrChefRequired
	}
	r, err := m.begin(o, KindAcknowledge, func(o *models.Order) bool { return o.ChefID == chef.ID })
	if err != nil || r == nil {
		return err
	}
	o.ChefID = chef.ID
	m.record(o, KindAcknowledge, *r, chefName(chef), fmt.Sprintf("%s acknowledged your notice", chefName(chef)))
	return nil
}

// AskQuestion puts a yes/no question to the diner.
func (m *Machine) AskQuestion(o *models.Order, chef models.Chef, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &ValidationError{Field: "question", Message: "question text is required"}
	}
	r, err := m.begin(o, KindAskQuestion, func(o *models.Order) bool {
		return o.KitchenQuestion.Pending() && o.KitchenQuestion.Text == text
	})
	if err != nil || r == nil {
		return err
	}
	if o.KitchenQuestion.Pending() {
		return &TransitionError{Kind: KindAskQuestion, From: o.Status, Reason: ErrInvalidTransition}
	}
	at := m.record(o, KindAskQuestion, *r, chefName(chef), fmt.Sprintf("Kitchen asked: %s", text))
	o.KitchenQuestion = &models.KitchenQuestion{Text: text, AskedAt: at}
	return nil
}

// SendMessage appends a free-text follow-up from the kitchen. No pending
// question is required. A message whose id is already on the order is not
// sent again; an empty id gets a fresh one.
func (m *Machine) SendMessage(o *models.Order, chef models.Chef, messageID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &ValidationError{Field: "message", Message: "message text is required"}
	}
	if messageID = strings.TrimSpace(messageID); messageID == "" {
		messageID = uuid.NewString()
	}
	if o != nil {
		for _, msg := range o.KitchenMessages {
			if msg.ID == messageID {
				return nil
			}
		}
	}
	r, err := m.begin(o, KindSendMessage, func(*models.Order) bool { return false })
	if err != nil || r == nil {
		return err
	}
	at := m.record(o, KindSendMessage, *r, chefName(chef), text)
	o.KitchenMessages = append(o.KitchenMessages, models.KitchenMessage{ID: messageID, Text: text, At: at})
	return nil
}

// Respond records the diner's yes/no answer to the pending question.
func (m *Machine) Respond(o *models.Order, answer string) error {
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer != models.AnswerYes && answer != models.AnswerNo {
		return ErrInvalidAnswer
	}
	r, err := m.begin(o, KindRespond, func(o *models.Order) bool {
		q := o.KitchenQuestion
		return q != nil && q.Response != nil && *q.Response == answer
	})
	if err != nil || r == nil {
		return err
	}
	if !o.KitchenQuestion.Pending() {
		return &TransitionError{Kind: KindRespond, From: o.Status, Reason: ErrNoPendingQuestion}
	}
	o.KitchenQuestion.Response = &answer
	m.record(o, KindRespond, *r, o.CustomerName, fmt.Sprintf("Diner answered %q: %s", o.KitchenQuestion.Text, answer))
	return nil
}

func (m *Machine) Rescind(o *models.Order) error {
	r, err := m.begin(o, KindRescind, func(*models.Order) bool { return true })
	if err != nil || r == nil {
		return err
	}
	at := m.record(o, KindRescind, *r, o.CustomerName, "Notice rescinded by diner")
	o.RescindedAt = &at
	return nil
}

func (m *Machine) RejectByKitchen(o *models.Order, chef models.Chef, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultKitchenRejectReason
	}
	r, err := m.begin(o, KindRejectByKitchen, sameLastMessage(reason))
	if err != nil || r == nil {
		return err
	}
	m.record(o, KindRejectByKitchen, *r, chefName(chef), reason)
	return nil
}

// ResetToKitchen reopens an acknowledged or answered notice.
func (m *Machine) ResetToKitchen(o *models.Order, author, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Reopened for the kitchen"
	}
	r, err := m.begin(o, KindResetToKitchen, sameLastMessage(reason))
	if err != nil || r == nil {
		return err
	}
	if author == "" {
		author = o.ServerName
	}
	m.record(o, KindResetToKitchen, *r, author, reason)
	return nil
}

// begin checks preconditions. It returns (nil, nil) when the transition has
// already been applied: the last entry is the same kind, the order sits in
// the target status and applied reports the payload matches.
func (m *Machine) begin(o *models.Order, kind Kind, applied func(*models.Order) bool) (*rule, error) {
	if o == nil {
		return nil, ErrOrderNotFound
	}
	r := rules[kind]
	if last, ok := o.LastEntry(); ok && last.Event == string(kind) && o.Status == r.to && applied(o) {
		m.logger.WithFields(logrus.Fields{
			"notice_id":  o.ID,
			"transition": kind,
		}).Debug("Transition already applied, ignoring replay")
		return nil, nil
	}
	if o.Status.Terminal() {
		return nil, &TransitionError{Kind: kind, From: o.Status, Reason: ErrTerminal}
	}
	if !containsStatus(r.from, o.Status) {
		return nil, &TransitionError{Kind: kind, From: o.Status, Reason: ErrInvalidTransition}
	}
	return &r, nil
}

// record appends the history entry and moves the status. Entry times never
// go backwards even if the local clock is behind the last writer's.
func (m *Machine) record(o *models.Order, kind Kind, r rule, author, message string) time.Time {
	at := m.now()
	if last, ok := o.LastEntry(); ok && at.Before(last.At) {
		at = last.At
	}
	from := o.Status
	o.History = append(o.History, models.HistoryEntry{
		Event:   string(kind),
		Actor:   r.actor,
		Author:  author,
		Status:  r.to,
		Message: message,
		At:      at,
	})
	o.Status = r.to
	o.Revision++
	o.UpdatedAt = at

	m.logger.WithFields(logrus.Fields{
		"notice_id":  o.ID,
		"transition": kind,
		"from":       from,
		"to":         r.to,
		"actor":      r.actor,
		"revision":   o.Revision,
	}).Info("Notice transitioned")
	return at
}

func sameLastMessage(message string) func(*models.Order) bool {
	return func(o *models.Order) bool {
		last, _ := o.LastEntry()
		return last.Message == message
	}
}

func chefName(c models.Chef) string {
	if c.Name != "" {
		return c.Name
	}
	if c.ID != "" {
		return c.ID
	}
	return "The kitchen"
}

func serverLabel(o *models.Order) string {
	if o.ServerName != "" {
		return o.ServerName
	}
	return "your server"
}

// ServerCode is the parsed form of the code a diner types in.
type ServerCode struct {
	Code        string
	ServerID    string
	ServerName  string
	TableNumber string
}

// ParseServerCode splits a code into a 4-character server id and a table
// number. An empty code falls back to server 0000.
func ParseServerCode(code string) ServerCode {
	code = strings.TrimSpace(code)
	id := DefaultServerID
	table := ""
	if code != "" {
		runes := []rune(code)
		if len(runes) <= serverIDLength {
			id = code
		} else {
			id = string(runes[:serverIDLength])
			table = strings.TrimSpace(string(runes[serverIDLength:]))
		}
	}
	return ServerCode{
		Code:        code,
		ServerID:    id,
		ServerName:  "Server " + id,
		TableNumber: table,
	}
}

// NormalizeLabels lower-cases, trims, dedupes and sorts restriction labels.
func NormalizeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.Join(strings.Fields(strings.ToLower(l)), " ")
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func cleanItems(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
