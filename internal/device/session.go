package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jogardn/allergy-notices/internal/devicestore"
	"github.com/jogardn/allergy-notices/internal/dismissal"
	"github.com/jogardn/allergy-notices/internal/events"
	"github.com/jogardn/allergy-notices/internal/notify"
	"github.com/jogardn/allergy-notices/internal/orders"
	"github.com/jogardn/allergy-notices/internal/reconciler"
	"github.com/jogardn/allergy-notices/internal/syncache"
	"github.com/jogardn/allergy-notices/internal/websocket"
	"github.com/jogardn/allergy-notices/internal/workflow"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotAuthenticated = errors.New("sign in to continue")
	// ErrSaveFailed means the change is kept on this device and will be
	// retried on the next poll.
	ErrSaveFailed = errors.New("unable to update right now, try again")
	ErrClosed     = errors.New("device session is closed")
)

type Authenticator interface {
	CurrentUser(ctx context.Context) (userID string, ok bool)
}

// Menu tells which dishes a diner may flag.
type Menu interface {
	HasDish(name string) bool
}

type Config struct {
	RestaurantID string
	// RestaurantIDs widens polling for staff covering several restaurants.
	RestaurantIDs     []string
	Role              models.Actor
	UserID            string
	Author            string
	PollInterval      time.Duration
	BannerDuration    time.Duration
	DismissalCapacity int
	DraftTTL          time.Duration
}

type Deps struct {
	Store    devicestore.Store
	Gateway  orders.Gateway
	Renderer notify.Renderer
	Auth     Authenticator
	Menu     Menu
}

// Session is one device's view of the notice workflow. It owns every
// device-side component; nothing is shared between sessions except the
// gateway and the device store they are handed.
type Session struct {
	config     Config
	machine    *workflow.Machine
	gateway    orders.Gateway
	cache      *syncache.Cache
	ledger     *dismissal.Ledger
	reconciler *reconciler.Reconciler
	presenter  *notify.Presenter
	outbox     *Outbox
	drafts     *DraftForm
	auth       Authenticator
	menu       Menu
	logger     *logrus.Logger

	locksMutex sync.Mutex
	orderLocks map[string]*sync.Mutex

	runMutex sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
}

func NewSession(config Config, deps Deps, logger *logrus.Logger) (*Session, error) {
	if config.RestaurantID == "" {
		return nil, errors.New("restaurant id is required")
	}
	if deps.Store == nil || deps.Gateway == nil {
		return nil, errors.New("device store and gateway are required")
	}
	if len(config.RestaurantIDs) == 0 {
		config.RestaurantIDs = []string{config.RestaurantID}
	}
	if config.Role == "" {
		config.Role = models.ActorDiner
	}
	if config.DismissalCapacity <= 0 {
		config.DismissalCapacity = dismissal.DefaultCapacity
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = notify.NewWriterRenderer(io.Discard)
	}

	ledger := dismissal.NewLedger(deps.Store, config.RestaurantID, config.DismissalCapacity, logger)
	cache := syncache.New(deps.Store, config.RestaurantID, ledger, logger)
	presenter := notify.NewPresenter(renderer, config.BannerDuration, logger)
	rec := reconciler.New(deps.Gateway, cache, ledger, presenter, reconciler.Config{
		RestaurantIDs: config.RestaurantIDs,
		Interval:      config.PollInterval,
		Role:          config.Role,
		UserID:        config.UserID,
	}, logger)
	outbox := NewOutbox(deps.Gateway, deps.Store, config.RestaurantID, 0, logger)
	rec.SetOutbox(outbox)

	return &Session{
		config:     config,
		machine:    workflow.NewMachine(logger),
		gateway:    deps.Gateway,
		cache:      cache,
		ledger:     ledger,
		reconciler: rec,
		presenter:  presenter,
		outbox:     outbox,
		drafts:     NewDraftForm(deps.Store, config.RestaurantID, config.DraftTTL, logger),
		auth:       deps.Auth,
		menu:       deps.Menu,
		logger:     logger,
		orderLocks: make(map[string]*sync.Mutex),
		ctx:        context.Background(),
		cancel:     func() {},
	}, nil
}

// SetClock replaces the time source for transitions and the snapshot clock.
func (s *Session) SetClock(now func() time.Time) {
	s.machine.SetClock(now)
	s.cache.SetClock(now)
	s.drafts.now = now
}

// SetPublisher sends every local write to the device's peers.
func (s *Session) SetPublisher(p syncache.Publisher) {
	s.cache.SetPublisher(p)
}

// Start restores cached state, pulls once from the gateway and starts
// polling if anything is worth watching.
func (s *Session) Start(ctx context.Context) {
	s.runMutex.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	ctx = s.ctx
	s.runMutex.Unlock()

	if err := s.cache.Load(); err != nil {
		s.logger.WithError(err).Warn("Failed to restore cached notices")
	}
	// Orders restored from disk are known, so anything that changed on
	// them while this device was away is presented.
	for _, o := range s.cache.Orders() {
		s.reconciler.Track(o)
	}
	s.Refresh(ctx)

	s.logger.WithFields(logrus.Fields{
		"restaurant_id": s.config.RestaurantID,
		"role":          s.config.Role,
		"tracked":       len(s.cache.Orders()),
		"polling":       s.reconciler.Running(),
	}).Info("Device session started")
}

// Close stops polling and banners. Nothing restarts them afterwards.
func (s *Session) Close() {
	// cancel first so an in-flight refresh gives up instead of holding Close
	s.runMutex.RLock()
	cancel := s.cancel
	s.runMutex.RUnlock()
	cancel()

	s.runMutex.Lock()
	s.closed = true
	s.runMutex.Unlock()

	s.reconciler.Stop()
	s.presenter.Close()
}

// Refresh pulls from the gateway now. Failures are logged and left for the
// next tick.
func (s *Session) Refresh(ctx context.Context) error {
	s.runMutex.RLock()
	defer s.runMutex.RUnlock()
	if s.closed {
		return ErrClosed
	}
	err := s.reconciler.Refresh(ctx)
	s.reconciler.Sync()
	return err
}

func (s *Session) Closed() bool {
	s.runMutex.RLock()
	defer s.runMutex.RUnlock()
	return s.closed
}

// sync re-evaluates polling unless the session is closed.
func (s *Session) sync() {
	s.runMutex.RLock()
	defer s.runMutex.RUnlock()
	if !s.closed {
		s.reconciler.Sync()
	}
}

func (s *Session) context() context.Context {
	s.runMutex.RLock()
	defer s.runMutex.RUnlock()
	return s.ctx
}

// Handlers wires a websocket client to this session.
func (s *Session) Handlers() websocket.Handlers {
	return websocket.Handlers{
		OnSnapshot:      s.receiveSnapshot,
		OnNoticeUpdated: s.noticeUpdated,
	}
}

func (s *Session) receiveSnapshot(snap models.Snapshot) bool {
	if !s.cache.Receive(snap) {
		return false
	}
	s.reconciler.Observe(s.cache.Orders())
	s.sync()
	return true
}

func (s *Session) noticeUpdated(event events.NoticeUpdatedEvent) {
	if s.Closed() || !s.inScope(event.RestaurantID) {
		return
	}
	if s.reconciler.Running() {
		s.reconciler.Nudge()
		return
	}
	go s.Refresh(s.context())
}

func (s *Session) inScope(restaurantID string) bool {
	for _, id := range s.config.RestaurantIDs {
		if id == restaurantID {
			return true
		}
	}
	return false
}

// NewDraft creates a notice on this device and focuses it. Drafts stay
// local until submitted.
func (s *Session) NewDraft(ctx context.Context, in workflow.DraftInput) (*models.Order, error) {
	if s.config.Role != models.ActorDiner {
		return nil, &workflow.TransitionError{Kind: workflow.KindCreate, Reason: workflow.ErrActorNotAllowed}
	}
	if in.RestaurantID == "" {
		in.RestaurantID = s.config.RestaurantID
	}
	if in.UserID == "" && s.auth != nil {
		if uid, ok := s.auth.CurrentUser(ctx); ok {
			in.UserID = uid
		}
	}
	if err := s.checkMenu(in.Items); err != nil {
		return nil, err
	}

	o := s.machine.NewDraft(in)
	err := s.commit(ctx, workflow.KindCreate, o, func(snap *models.Snapshot) { snap.CurrentOrderID = o.ID })
	return o, err
}

func (s *Session) RequestServerCode(ctx context.Context, id, code string) (*models.Order, error) {
	return s.apply(ctx, id, workflow.KindRequestCode,
		func(o *models.Order) error { return s.machine.RequestServerCode(o, code) },
		func(snap *models.Snapshot) { snap.LastServerCode = strings.TrimSpace(code) })
}

// Submit hands the notice to the server. The diner must be signed in and
// every item must be on the menu.
func (s *Session) Submit(ctx context.Context, id string, in workflow.SubmitInput) (*models.Order, error) {
	uid, err := s.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if in.UserID == "" {
		in.UserID = uid
	}
	o, err := s.apply(ctx, id, workflow.KindSubmit, func(o *models.Order) error {
		items := in.Items
		if len(items) == 0 {
			items = o.Items
		}
		if err := s.checkMenu(items); err != nil {
			return err
		}
		return s.machine.Submit(o, in)
	}, nil)
	if o != nil && o.Status == models.StatusSubmittedToServer {
		s.drafts.Clear()
	}
	return o, err
}

func (s *Session) Respond(ctx context.Context, id, answer string) (*models.Order, error) {
	if _, err := s.requireUser(ctx); err != nil {
		return nil, err
	}
	return s.apply(ctx, id, workflow.KindRespond,
		func(o *models.Order) error { return s.machine.Respond(o, answer) }, nil)
}

func (s *Session) Rescind(ctx context.Context, id string) (*models.Order, error) {
	if _, err := s.requireUser(ctx); err != nil {
		return nil, err
	}
	return s.apply(ctx, id, workflow.KindRescind, s.machine.Rescind, nil)
}

// Approve approves and dispatches in one step.
func (s *Session) Approve(ctx context.Context, id string) (*models.Order, error) {
	return s.apply(ctx, id, workflow.KindApprove,
		func(o *models.Order) error { return s.machine.Approve(o, s.config.Author) }, nil)
}

func (s *Session) Queue(ctx context.Context, id string) (*models.Order, error) {
	return s.apply(ctx, id, workflow.KindQueue,
		func(o *models.Order) error { return s.machine.Queue(o, s.config.Author) }, nil)
}

func (s *Session) Dispatch(ctx context.Context, id string) (*models.Order, error) {
	return s.apply(ctx, id, workflow.KindDispatch,
		func(o *models.Order) error { return s.machine.Dispatch(o, s.config.Author) }, nil)
}

func (s *Session) Reject(ctx context.Context, id, reason string) (*models.Order, error) {
	return s.apply(ctx, id, workflow.KindRejectByServer,
		func(o *models.Order) error { return s.machine.RejectByServer(o, s.config.Author, reason) }, nil)
}

func (s *Session) Reset(ctx context.Context, id, reason string) (*models.Order, error) {
	return s.apply(ctx, id, workflow.KindResetToKitchen,
		func(o *models.Order) error { return s.machine.ResetToKitchen(o, s.config.Author, reason) }, nil)
}

func (s *Session) Acknowledge(ctx context.Context, id string, chef models.Chef) (*models.Order, error) {
	return s.apply(ctx, id, workflow.KindAcknowledge,
		func(o *models.Order) error { return s.machine.Acknowledge(o, chef) }, addChef(chef))
}

func (s *Session) AskQuestion(ctx context.Context, id string, chef models.Chef, text string) (*models.Order, error) {
	return s.apply(ctx, id, workflow.KindAskQuestion,
		func(o *models.Order) error { return s.machine.AskQuestion(o, chef, text) }, addChef(chef))
}

// SendMessage posts a follow-up. Resending with the same messageID is a
// no-op; an empty messageID always posts.
func (s *Session) SendMessage(ctx context.Context, id string, chef models.Chef, messageID, text string) (*models.Order, error) {
	return s.apply(ctx, id, workflow.KindSendMessage,
		func(o *models.Order) error { return s.machine.SendMessage(o, chef, messageID, text) }, addChef(chef))
}

func (s *Session) KitchenReject(ctx context.Context, id string, chef models.Chef, reason string) (*models.Order, error) {
	return s.apply(ctx, id, workflow.KindRejectByKitchen,
		func(o *models.Order) error { return s.machine.RejectByKitchen(o, chef, reason) }, addChef(chef))
}

// apply runs one transition against a private copy of the cached order and
// commits it. A replayed transition changes nothing and saves nothing.
func (s *Session) apply(ctx context.Context, id string, kind workflow.Kind, mutate func(o *models.Order) error, extra func(snap *models.Snapshot)) (*models.Order, error) {
	unlock := s.lock(id)
	defer unlock()

	o, ok := s.cache.Order(id)
	if !ok {
		return nil, workflow.ErrOrderNotFound
	}
	if workflow.ActorFor(kind) != s.config.Role {
		return nil, &workflow.TransitionError{Kind: kind, From: o.Status, Reason: workflow.ErrActorNotAllowed}
	}

	before := o.Revision
	if err := mutate(o); err != nil {
		return nil, err
	}
	if o.Revision == before {
		return o, nil
	}
	if err := s.commit(ctx, kind, o, extra); err != nil {
		if errors.Is(err, workflow.ErrStale) {
			if cur, ok := s.cache.Order(id); ok {
				return cur, err
			}
		}
		return o, err
	}
	return o, nil
}

// commit mirrors o locally first, then saves it. A failed save leaves the
// local state in place and queues the write.
func (s *Session) commit(ctx context.Context, kind workflow.Kind, o *models.Order, extra func(snap *models.Snapshot)) error {
	if _, err := s.cache.Update(func(snap *models.Snapshot) {
		put(snap, o)
		if extra != nil {
			extra(snap)
		}
	}); err != nil {
		s.logger.WithError(err).WithField("notice_id", o.ID).Warn("Failed to persist notice on device")
	}
	s.reconciler.Track(*o)

	var err error
	if o.SubmittedAt != nil {
		err = s.save(ctx, kind, o)
	}
	s.sync()
	return err
}

func (s *Session) save(ctx context.Context, kind workflow.Kind, o *models.Order) error {
	restaurantID := o.RestaurantID
	if restaurantID == "" {
		restaurantID = s.config.RestaurantID
	}
	err := s.gateway.Save(ctx, o, orders.SaveOptions{RestaurantID: restaurantID})
	switch {
	case err == nil:
		s.outbox.Settle(o.ID, o.Revision)
		return nil
	case errors.Is(err, orders.ErrConflict):
		// someone else got there first: take their copy over ours
		s.outbox.Discard(o.ID)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"notice_id": o.ID,
			"revision":  o.Revision,
		}).Warn("Notice changed on the service, refetching")
		from := o.Status
		if rerr := s.reconciler.Refresh(ctx); rerr == nil {
			if cur, ok := s.cache.Order(o.ID); ok {
				from = cur.Status
			}
		}
		return &workflow.TransitionError{Kind: kind, From: from, Reason: workflow.ErrStale}
	case errors.Is(err, orders.ErrRejected):
		s.logger.WithError(err).WithField("notice_id", o.ID).Error("Notice save rejected")
		return fmt.Errorf("failed to save notice: %w", err)
	default:
		s.outbox.Enqueue(o, restaurantID)
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
}

func (s *Session) requireUser(ctx context.Context) (string, error) {
	if s.auth == nil {
		return "", ErrNotAuthenticated
	}
	uid, ok := s.auth.CurrentUser(ctx)
	if !ok {
		return "", ErrNotAuthenticated
	}
	return uid, nil
}

func (s *Session) checkMenu(items []string) error {
	if s.menu == nil {
		return nil
	}
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" && !s.menu.HasDish(item) {
			return &workflow.ValidationError{Field: "items", Message: fmt.Sprintf("%q is not on the menu", item)}
		}
	}
	return nil
}

func (s *Session) lock(id string) func() {
	s.locksMutex.Lock()
	m, ok := s.orderLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.orderLocks[id] = m
	}
	s.locksMutex.Unlock()
	m.Lock()
	return m.Unlock
}

// Dismiss hides a notice from this device only.
func (s *Session) Dismiss(id string) error {
	if err := s.ledger.Dismiss(id); err != nil {
		return err
	}
	s.cache.Refilter()
	s.presenter.Dismiss(id)
	s.sync()
	return nil
}

func (s *Session) Focus(id string) {
	s.cache.Focus(id)
}

// Tap opens the notice behind a banner. The notice is not modified.
func (s *Session) Tap(id string) (string, bool) {
	orderID, ok := s.presenter.Tap(id)
	if ok {
		s.Focus(orderID)
	}
	return orderID, ok
}

func (s *Session) Order(id string) (*models.Order, bool) {
	return s.cache.Order(id)
}

func (s *Session) Snapshot() models.Snapshot {
	return s.cache.Snapshot()
}

// Board is what a device shows: the badge count and the sidebar. Each
// sidebar entry carries the transitions this device's role may take next.
type Board struct {
	Badge   int
	Sidebar []BoardEntry
}

type BoardEntry struct {
	Order models.Order
	Next  []workflow.Kind
}

func (s *Session) Board() Board {
	return s.board(s.cache.Orders())
}

// Subscribe calls fn with a fresh board after every change to the local
// notices. The returned func unsubscribes.
func (s *Session) Subscribe(fn func(Board)) func() {
	return s.cache.Subscribe(func(snap models.Snapshot) {
		fn(s.board(snap.Orders))
	})
}

func (s *Session) board(orders []models.Order) Board {
	var b Board
	for i := range orders {
		o := &orders[i]
		v := workflow.Classify(o)
		if v.Active {
			b.Badge++
		}
		if v.Sidebar {
			b.Sidebar = append(b.Sidebar, BoardEntry{Order: *o, Next: workflow.Available(o, s.config.Role)})
		}
	}
	// newest first
	sort.SliceStable(b.Sidebar, func(i, j int) bool {
		return b.Sidebar[i].Order.UpdatedAt.After(b.Sidebar[j].Order.UpdatedAt)
	})
	return b
}

// Badge is the number of notices still in play.
func (s *Session) Badge() int {
	return s.Board().Badge
}

// Sidebar lists submitted notices, closed ones included, newest first.
func (s *Session) Sidebar() []models.Order {
	entries := s.Board().Sidebar
	out := make([]models.Order, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Order)
	}
	return out
}

func (s *Session) Banners() []notify.Banner {
	return s.presenter.Active()
}

func (s *Session) Role() models.Actor {
	return s.config.Role
}

func (s *Session) Polling() bool {
	return s.reconciler.Running()
}

func (s *Session) PendingSaves() int {
	return s.outbox.Len()
}

func (s *Session) SaveForm(f FormState) error {
	return s.drafts.Save(f)
}

func (s *Session) RestoreForm() (FormState, bool) {
	return s.drafts.Restore()
}

func put(snap *models.Snapshot, o *models.Order) {
	if existing := snap.Find(o.ID); existing != nil {
		*existing = *o.Clone()
		return
	}
	snap.Orders = append(snap.Orders, *o.Clone())
}

func addChef(chef models.Chef) func(snap *models.Snapshot) {
	return func(snap *models.Snapshot) {
		if chef.ID == "" {
			return
		}
		for _, c := range snap.Chefs {
			if c.ID == chef.ID {
				return
			}
		}
		snap.Chefs = append(snap.Chefs, chef)
	}
}
