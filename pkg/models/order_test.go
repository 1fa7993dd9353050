package models

import (
	"testing"
	"time"
)

func TestTerminalStatuses(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusDraft, false},
		{StatusWithKitchen, false},
		{StatusAcknowledged, false},
		{StatusQuestionAnswered, false},
		{StatusRejectedByServer, true},
		{StatusRejectedByKitchen, true},
		{StatusRescindedByDiner, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestLatestNotBySkipsOwnEntries(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := &Order{History: []HistoryEntry{
		{Actor: ActorDiner, Status: StatusSubmittedToServer, At: base},
		{Actor: ActorServer, Status: StatusWithKitchen, At: base.Add(time.Minute)},
		{Actor: ActorDiner, Status: StatusRescindedByDiner, At: base.Add(2 * time.Minute)},
	}}

	e, ok := o.LatestNotBy(ActorDiner)
	if !ok {
		t.Fatal("expected an external entry")
	}
	if e.Actor != ActorServer || !e.At.Equal(base.Add(time.Minute)) {
		t.Errorf("unexpected entry: %+v", e)
	}
	if got := DeriveStatus(o); got != StatusRescindedByDiner {
		t.Errorf("DeriveStatus = %s, want %s", got, StatusRescindedByDiner)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	yes := AnswerYes
	o := &Order{
		ID:              "n-1",
		Items:           []string{"Pad Thai"},
		KitchenQuestion: &KitchenQuestion{Text: "Sesame?", Response: &yes},
	}
	c := o.Clone()
	c.Items[0] = "Curry"
	*c.KitchenQuestion.Response = AnswerNo

	if o.Items[0] != "Pad Thai" {
		t.Error("clone shares items slice")
	}
	if *o.KitchenQuestion.Response != AnswerYes {
		t.Error("clone shares question response")
	}
}

func TestExtends(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	submitted := HistoryEntry{Actor: ActorDiner, Status: StatusSubmittedToServer, At: base}
	approved := HistoryEntry{Actor: ActorServer, Status: StatusWithKitchen, At: base.Add(time.Minute)}
	rescinded := HistoryEntry{Actor: ActorDiner, Status: StatusRescindedByDiner, At: base.Add(time.Minute)}

	stored := &Order{History: []HistoryEntry{submitted}}
	next := &Order{History: []HistoryEntry{submitted, approved}}
	branch := &Order{History: []HistoryEntry{submitted, rescinded}}

	if !next.Extends(stored) {
		t.Error("a later copy should extend the one it came from")
	}
	if !next.Extends(next) {
		t.Error("an order extends itself")
	}
	if stored.Extends(next) {
		t.Error("an older copy cannot extend a newer one")
	}
	if branch.Extends(next) || next.Extends(branch) {
		t.Error("copies that branched must not extend each other")
	}

	// JSON round trips drop the monotonic clock reading
	roundTripped := &Order{History: []HistoryEntry{{Actor: ActorDiner, Status: StatusSubmittedToServer, At: base.Round(0)}}}
	if !next.Extends(roundTripped) {
		t.Error("equal instants must compare equal")
	}
}
