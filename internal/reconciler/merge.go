package reconciler

import (
	"github.com/jogardn/allergy-notices/pkg/models"
)

// Merge folds the authoritative orders into the local ones by id. A local
// copy with a higher revision that builds on the server's copy has not
// reached the server yet and wins; one that branched from an older copy
// lost a race and gives way. Orders the server does not report survive
// locally while they are drafts, waiting in the outbox, or submitted but
// never confirmed, since the server never deletes a notice it has stored.
func Merge(local, remote []models.Order, pending func(id string) bool) []models.Order {
	localMap := make(map[string]*models.Order, len(local))
	for i := range local {
		localMap[local[i].ID] = &local[i]
	}
	remoteMap := make(map[string]bool, len(remote))

	out := make([]models.Order, 0, len(remote)+len(local))
	for i := range remote {
		o := &remote[i]
		remoteMap[o.ID] = true
		if l, ok := localMap[o.ID]; ok && l.Revision > o.Revision && l.Extends(o) {
			out = append(out, *l.Clone())
			continue
		}
		out = append(out, *o.Clone())
	}

	for i := range local {
		o := &local[i]
		if remoteMap[o.ID] {
			continue
		}
		if unsaved(o) || (pending != nil && pending(o.ID)) {
			out = append(out, *o.Clone())
		}
	}
	return out
}

// unsaved reports whether o may exist only on this device.
func unsaved(o *models.Order) bool {
	return o.Status == models.StatusDraft || o.Status == models.StatusCodeAssigned || o.SubmittedAt != nil
}
