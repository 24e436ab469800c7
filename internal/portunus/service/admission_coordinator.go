package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

var (
	// ErrInCooldown is returned by AdmitManual for a recently admitted identity.
	ErrInCooldown = errors.New("identity is in cooldown")
	// ErrNotRecorded means the door opened but the event was not stored.
	ErrNotRecorded = errors.New("admission not recorded")
)

// State is the coordinator's admission state.
type State int

const (
	StateMonitoring State = iota
	StateGrantedPause
	StateRejectedPause
	StateAdministrativePause
)

func (s State) String() string {
	switch s {
	case StateMonitoring:
		return "monitoring"
	case StateGrantedPause:
		return "granted_pause"
	case StateRejectedPause:
		return "rejected_pause"
	case StateAdministrativePause:
		return "administrative_pause"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{StateMonitoring, StateGrantedPause, StateRejectedPause, StateAdministrativePause} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown admission state %q", b)
}

// Actuator drives the door relay and the indicator LEDs. Calls must not
// block; failures are the actuator's to log.
type Actuator interface {
	Pulse(d time.Duration)
	SetIndicator(granted bool)
	ClearIndicator()
}

// Enqueuer is the part of DeliveryQueue the coordinator needs.
type Enqueuer interface {
	Enqueue(eventID int64)
}

// CredentialLookup resolves a card number to an identity.
type CredentialLookup interface {
	GetByCredential(ctx context.Context, credential string) (types.Identity, error)
	Get(ctx context.Context, id int64) (types.Identity, error)
}

// CoordinatorConfig holds the hot-reloadable admission timings.
type CoordinatorConfig struct {
	Cooldown              time.Duration
	Pause                 time.Duration
	CredentialRejectPause time.Duration
	PulseDuration         time.Duration
	LivenessFrames        int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.Pause <= 0 {
		c.Pause = 3 * time.Second
	}
	if c.CredentialRejectPause <= 0 {
		c.CredentialRejectPause = c.Pause
	}
	if c.PulseDuration <= 0 {
		c.PulseDuration = 3 * time.Second
	}
	if c.LivenessFrames < 1 {
		c.LivenessFrames = 1
	}
	return c
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State       State             `json:"state"`
	PauseUntil  *time.Time        `json:"pause_until,omitempty"`
	PauseReason string            `json:"pause_reason,omitempty"`
	LastEvent   *Event            `json:"last_event,omitempty"`
	Faces       []types.FaceMatch `json:"-"`
}

// AdmissionCoordinator owns the admission state machine. Recognition
// results and credentials arrive on an inbox and are applied one at a time
// by a single goroutine; admin calls take the same lock.
type AdmissionCoordinator struct {
	identities CredentialLookup
	events     store.EventStore
	queue      Enqueuer
	actuator   Actuator
	publish    func(Event)
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	results     chan types.RecognitionResult
	credentials chan types.CredentialEvent

	mu          sync.Mutex
	cfg         CoordinatorConfig
	state       State
	deadline    time.Time
	resumedAt   time.Time
	pauseReason string
	cooldown    *CooldownTable
	liveness    *LivenessTracker
	lastEvent   *Event
	faces       []types.FaceMatch
	// welcomed is the identity greeted and still in view; 0 when none.
	welcomed int64

	cancel context.CancelFunc
	done   chan struct{}
}

// CoordinatorDeps groups the coordinator's collaborators.
type CoordinatorDeps struct {
	Identities CredentialLookup
	Events     store.EventStore
	Queue      Enqueuer
	Actuator   Actuator
	// Publish receives every Event; usually Broadcaster.Publish.
	Publish func(Event)
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewAdmissionCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) *AdmissionCoordinator {
	cfg = cfg.withDefaults()
	publish := deps.Publish
	if publish == nil {
		publish = func(Event) {}
	}
	return &AdmissionCoordinator{
		identities:  deps.Identities,
		events:      deps.Events,
		queue:       deps.Queue,
		actuator:    deps.Actuator,
		publish:     publish,
		logger:      logging.NewComponentLogger(deps.Logger, "admission"),
		metrics:     deps.Metrics,
		now:         time.Now,
		results:     make(chan types.RecognitionResult, 4),
		credentials: make(chan types.CredentialEvent, 16),
		cfg:         cfg,
		cooldown:    NewCooldownTable(cfg.Cooldown),
		liveness:    NewLivenessTracker(cfg.LivenessFrames),
	}
}

// Start runs the inbox loop until ctx is cancelled or Stop is called.
func (c *AdmissionCoordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx)
	c.logger.Info("admission coordinator started",
		logging.Duration("cooldown", c.cfg.Cooldown),
		logging.Duration("pause", c.cfg.Pause))
}

// Stop ends the loop and waits for it. Queued inputs are discarded.
func (c *AdmissionCoordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *AdmissionCoordinator) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case res := <-c.results:
			c.HandleResult(ctx, res)
		case ev := <-c.credentials:
			c.HandleCredential(ctx, ev)
		case <-ticker.C:
			c.Tick()
		}
	}
}

// SubmitResult queues a recognition result without blocking. It is
// dropped if the inbox is full.
func (c *AdmissionCoordinator) SubmitResult(res types.RecognitionResult) bool {
	select {
	case c.results <- res:
		return true
	default:
		c.logger.Debug("result inbox full; dropping", logging.Int64("frame_seq", int64(res.FrameSeq)))
		return false
	}
}

// SubmitCredential queues a credential without blocking.
func (c *AdmissionCoordinator) SubmitCredential(ev types.CredentialEvent) bool {
	select {
	case c.credentials <- ev:
		return true
	default:
		c.logger.Warn("credential inbox full; dropping", logging.String("source", ev.Source))
		return false
	}
}

// ReportError turns a pipeline failure into a status event. The pipeline
// keeps running.
func (c *AdmissionCoordinator) ReportError(source string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(Event{Kind: EventError, At: c.now(), Message: fmt.Sprintf("%s: %v", source, err)})
}

// UpdateConfig applies new timings to subsequent decisions.
func (c *AdmissionCoordinator) UpdateConfig(cfg CoordinatorConfig) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.cooldown.SetWindow(cfg.Cooldown)
	c.liveness.SetRequired(cfg.LivenessFrames)
}

// Status returns the current state.
func (c *AdmissionCoordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, PauseReason: c.pauseReason}
	if c.state == StateGrantedPause || c.state == StateRejectedPause {
		d := c.deadline
		st.PauseUntil = &d
	}
	if c.lastEvent != nil {
		e := *c.lastEvent
		st.LastEvent = &e
	}
	st.Faces = append([]types.FaceMatch(nil), c.faces...)
	return st
}

// Tick returns to Monitoring once the pause deadline has passed.
func (c *AdmissionCoordinator) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
}

func (c *AdmissionCoordinator) expireLocked(now time.Time) {
	if c.state != StateGrantedPause && c.state != StateRejectedPause {
		return
	}
	if now.Before(c.deadline) {
		return
	}
	c.state = StateMonitoring
	c.deadline = time.Time{}
	c.resumedAt = now
	c.faces = nil
	c.actuator.ClearIndicator()
	c.emitLocked(Event{Kind: EventCleared, At: now, Message: "Looking for faces..."})
}

// EnterAdministrativePause suspends all frame and credential handling
// until Resume is called.
func (c *AdmissionCoordinator) EnterAdministrativePause(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAdministrativePause {
		return
	}
	now := c.now()
	c.state = StateAdministrativePause
	c.deadline = time.Time{}
	c.pauseReason = reason
	c.faces = nil
	c.welcomed = 0
	c.liveness.Reset()
	c.actuator.ClearIndicator()
	c.logger.Info("administrative pause", logging.String("reason", reason))
	c.emitLocked(Event{Kind: EventPaused, At: now, Message: "Paused: " + reason})
}

// Resume leaves the administrative pause. Results for frames captured
// before this instant are dropped.
func (c *AdmissionCoordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAdministrativePause {
		return
	}
	now := c.now()
	c.state = StateMonitoring
	c.resumedAt = now
	c.pauseReason = ""
	c.liveness.Reset()
	c.logger.Info("monitoring resumed")
	c.emitLocked(Event{Kind: EventResumed, At: now, Message: "Looking for faces..."})
}

// HandleResult applies one recognition result.
func (c *AdmissionCoordinator) HandleResult(ctx context.Context, res types.RecognitionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if c.state != StateMonitoring {
		return
	}
	if res.FrameTime.Before(c.resumedAt) {
		// In flight across a pause; stale.
		return
	}
	c.faces = append([]types.FaceMatch(nil), res.Faces...)
	if len(res.Faces) == 0 {
		c.liveness.Observe(nil)
		c.welcomed = 0
		return
	}

	seen := make([]int64, 0, len(res.Faces))
	for _, f := range res.Faces {
		if f.Known() {
			seen = append(seen, *f.IdentityID)
		}
	}
	c.liveness.Observe(seen)

	var best, welcome *types.FaceMatch
	unknown, waiting := false, false
	for i := range res.Faces {
		f := &res.Faces[i]
		if !f.Known() {
			unknown = true
			continue
		}
		id := *f.IdentityID
		if c.cooldown.Active(id, now) {
			if welcome == nil {
				welcome = f
			}
			continue
		}
		if !c.liveness.Ready(id) {
			waiting = true
			continue
		}
		if best == nil || f.Distance < best.Distance {
			best = f
		}
	}

	if welcome == nil || best != nil {
		c.welcomed = 0
	}

	switch {
	case best != nil:
		_, _ = c.grantLocked(ctx, *best.IdentityID, best.Name, best.Distance, types.MethodFace, now)
		c.enterPauseLocked(StateGrantedPause, now, c.cfg.Pause)
		c.liveness.Reset()
	case welcome != nil:
		// Greet once per stay in view, not once per frame.
		if *welcome.IdentityID == c.welcomed {
			return
		}
		c.welcomed = *welcome.IdentityID
		c.actuator.SetIndicator(true)
		c.emitLocked(Event{
			Kind:         EventWelcomeBack,
			At:           now,
			Message:      fmt.Sprintf("Welcome back, %s!", welcome.Name),
			IdentityID:   *welcome.IdentityID,
			IdentityName: welcome.Name,
			Distance:     welcome.Distance,
			Faces:        c.faces,
		})
	case waiting:
		c.emitLocked(Event{Kind: EventLiveness, At: now, Message: "Please look directly at the camera.", Faces: c.faces})
	case unknown:
		c.rejectLocked(now, types.MethodFace, "Unknown face detected.", c.cfg.Pause)
	}
}

// HandleCredential applies one card read.
func (c *AdmissionCoordinator) HandleCredential(ctx context.Context, ev types.CredentialEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if c.state != StateMonitoring {
		c.logger.Debug("credential ignored while paused", logging.String("state", c.state.String()))
		return
	}
	if !ev.ReceivedAt.IsZero() && ev.ReceivedAt.Before(c.resumedAt) {
		return
	}

	id, err := c.identities.GetByCredential(ctx, ev.Code)
	if errors.Is(err, store.ErrNotFound) {
		c.rejectLocked(now, types.MethodCard, "Unrecognized credential.", c.cfg.CredentialRejectPause)
		return
	}
	if err != nil {
		c.logger.Error("credential lookup failed", logging.Error(err))
		c.emitLocked(Event{Kind: EventError, At: now, Message: "Credential lookup failed."})
		return
	}

	if c.cooldown.Active(id.ID, now) {
		c.logger.Info("credential ignored during cooldown",
			logging.Int64(logging.FieldIdentityID, id.ID))
		return
	}

	_, _ = c.grantLocked(ctx, id.ID, id.Name, 0, types.MethodCard, now)
	c.enterPauseLocked(StateGrantedPause, now, c.cfg.Pause)
}

// AdmitManual grants identityID on an operator's request. It ignores the
// pause window but honours cooldown. The returned event id is 0 if the
// grant happened but could not be recorded.
func (c *AdmissionCoordinator) AdmitManual(ctx context.Context, identityID int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	id, err := c.identities.Get(ctx, identityID)
	if err != nil {
		return 0, err
	}
	if c.cooldown.Active(id.ID, now) {
		return 0, ErrInCooldown
	}

	eventID, err := c.grantLocked(ctx, id.ID, id.Name, 0, types.MethodManual, now)
	if c.state != StateAdministrativePause {
		c.enterPauseLocked(StateGrantedPause, now, c.cfg.Pause)
	}
	return eventID, err
}

// grantLocked records a grant and opens the door. The door opens even if
// the event cannot be stored.
func (c *AdmissionCoordinator) grantLocked(ctx context.Context, identityID int64, name string, distance float64, method types.Method, now time.Time) (int64, error) {
	c.cooldown.Record(identityID, now)

	eventID, err := c.events.Append(ctx, identityID, now, method)
	if err != nil {
		c.logger.Error("ADMISSION NOT RECORDED: event append failed",
			logging.Int64(logging.FieldIdentityID, identityID),
			logging.String("method", string(method)),
			logging.Error(err))
		c.emitLocked(Event{Kind: EventError, At: now, Message: "Admission could not be recorded.", IdentityID: identityID})
		eventID = 0
	} else {
		c.queue.Enqueue(eventID)
	}

	c.actuator.Pulse(c.cfg.PulseDuration)
	c.actuator.SetIndicator(true)
	c.metrics.Decision("granted", string(method))

	c.logger.Info("access granted",
		logging.Int64(logging.FieldIdentityID, identityID),
		logging.Int64(logging.FieldEventID, eventID),
		logging.String("name", name),
		logging.String("method", string(method)),
		logging.Float64("distance", distance))
	c.emitLocked(Event{
		Kind:         EventGranted,
		At:           now,
		Message:      fmt.Sprintf("Access Granted: Welcome, %s!", name),
		IdentityID:   identityID,
		IdentityName: name,
		Distance:     distance,
		Method:       method,
		EventID:      eventID,
		Faces:        c.faces,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotRecorded, err)
	}
	return eventID, nil
}

func (c *AdmissionCoordinator) rejectLocked(now time.Time, method types.Method, msg string, pause time.Duration) {
	c.actuator.SetIndicator(false)
	c.metrics.Decision("rejected", string(method))
	c.logger.Info("access rejected", logging.String("method", string(method)), logging.String("reason", msg))
	c.emitLocked(Event{Kind: EventRejected, At: now, Message: msg, Method: method, Faces: c.faces})
	c.enterPauseLocked(StateRejectedPause, now, pause)
}

func (c *AdmissionCoordinator) enterPauseLocked(s State, now time.Time, d time.Duration) {
	c.state = s
	c.welcomed = 0
	c.deadline = now.Add(d)
}

func (c *AdmissionCoordinator) emitLocked(e Event) {
	c.lastEvent = &e
	c.publish(e)
}
