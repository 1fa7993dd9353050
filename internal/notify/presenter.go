package notify

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultDuration = 9 * time.Second

// Banner is one transient update notification, keyed by order.
type Banner struct {
	OrderID string        `json:"order_id"`
	Title   string        `json:"title"`
	Body    string        `json:"body"`
	Status  models.Status `json:"status"`
	Actor   models.Actor  `json:"actor"`
	At      time.Time     `json:"at"`
}

// Renderer draws and removes banners. Rendering itself is up to the host.
type Renderer interface {
	Show(b Banner)
	Hide(orderID string)
}

type timer interface {
	Stop() bool
}

var statusMessages = map[models.Status]string{
	models.StatusSubmittedToServer:    "Your notice was sent to your server.",
	models.StatusQueuedForKitchen:     "Your server queued your notice for the kitchen.",
	models.StatusWithKitchen:          "Your notice is with the kitchen.",
	models.StatusAcknowledged:         "The kitchen acknowledged your notice.",
	models.StatusAwaitingUserResponse: "The kitchen has a question for you.",
	models.StatusQuestionAnswered:     "Your answer was sent to the kitchen.",
	models.StatusRejectedByServer:     "Your server could not accept this notice.",
	models.StatusRejectedByKitchen:    "The kitchen could not accommodate this notice.",
	models.StatusRescindedByDiner:     "The notice was withdrawn.",
}

// StatusMessage is the generic text shown when an update carries none.
func StatusMessage(s models.Status) string {
	if m, ok := statusMessages[s]; ok {
		return m
	}
	return "Your notice was updated."
}

func title(a models.Actor) string {
	switch a {
	case models.ActorKitchen:
		return "Kitchen update"
	case models.ActorServer:
		return "Server update"
	case models.ActorDiner:
		return "Guest update"
	}
	return "Notice update"
}

// Presenter shows at most one banner per order and hides it after a fixed
// duration, on swipe, or on tap.
type Presenter struct {
	renderer Renderer
	duration time.Duration
	after    func(d time.Duration, f func()) timer
	logger   *logrus.Logger

	mutex   sync.Mutex
	banners map[string]Banner
	timers  map[string]timer
	// generation guards against an old timer hiding a newer banner
	generation map[string]uint64
}

func NewPresenter(renderer Renderer, duration time.Duration, logger *logrus.Logger) *Presenter {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Presenter{
		renderer:   renderer,
		duration:   duration,
		after:      func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		logger:     logger,
		banners:    make(map[string]Banner),
		timers:     make(map[string]timer),
		generation: make(map[string]uint64),
	}
}

// Present builds a banner for an externally authored entry and shows it,
// replacing any banner already showing for the order.
func (p *Presenter) Present(o models.Order, entry models.HistoryEntry) {
	body := strings.TrimSpace(entry.Message)
	if body == "" {
		status := entry.Status
		if status == "" {
			status = o.Status
		}
		body = StatusMessage(status)
	}
	b := Banner{
		OrderID: o.ID,
		Title:   title(entry.Actor),
		Body:    body,
		Status:  o.Status,
		Actor:   entry.Actor,
		At:      entry.At,
	}
	if entry.Author != "" {
		b.Title = b.Title + " from " + entry.Author
	}

	p.mutex.Lock()
	if t, ok := p.timers[o.ID]; ok {
		t.Stop()
	}
	p.generation[o.ID]++
	gen := p.generation[o.ID]
	p.banners[o.ID] = b
	p.timers[o.ID] = p.after(p.duration, func() { p.expire(o.ID, gen) })
	p.mutex.Unlock()

	p.logger.WithFields(logrus.Fields{
		"notice_id": o.ID,
		"status":    o.Status,
		"actor":     entry.Actor,
	}).Info("Presenting notice update")
	p.renderer.Show(b)
}

func (p *Presenter) expire(orderID string, gen uint64) {
	p.mutex.Lock()
	if p.generation[orderID] != gen {
		p.mutex.Unlock()
		return
	}
	_, ok := p.take(orderID)
	p.mutex.Unlock()
	if ok {
		p.renderer.Hide(orderID)
	}
}

// Dismiss hides the banner for orderID, as on a swipe.
func (p *Presenter) Dismiss(orderID string) bool {
	p.mutex.Lock()
	_, ok := p.take(orderID)
	p.mutex.Unlock()
	if ok {
		p.renderer.Hide(orderID)
	}
	return ok
}

// Tap hides the banner and returns the order to open. The order itself is
// not touched.
func (p *Presenter) Tap(orderID string) (string, bool) {
	if !p.Dismiss(orderID) {
		return "", false
	}
	return orderID, true
}

// take must be called with the lock held.
func (p *Presenter) take(orderID string) (Banner, bool) {
	b, ok := p.banners[orderID]
	if !ok {
		return Banner{}, false
	}
	if t, ok := p.timers[orderID]; ok {
		t.Stop()
	}
	delete(p.banners, orderID)
	delete(p.timers, orderID)
	return b, true
}

// Active returns the banners currently showing, newest first.
func (p *Presenter) Active() []Banner {
	p.mutex.Lock()
	out := make([]Banner, 0, len(p.banners))
	for _, b := range p.banners {
		out = append(out, b)
	}
	p.mutex.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out
}

// Close stops pending timers without hiding anything.
func (p *Presenter) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
