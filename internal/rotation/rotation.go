// Package rotation implements the Rotation Controller (C4): the credential
// rotation state machine and its mutual exclusion against in-flight
// requests. Every mutation of rotation state happens under a single mutex
// per the "mutex-less flag coordination -> a single rotation-state mutex"
// design note: activeRequestCount, pendingSwitch, authSwitching and the
// counters are always read and written together.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/relaypilot/aistudio-proxy/internal/browser"
	"github.com/relaypilot/aistudio-proxy/internal/store"
)

// State names the rotation state machine's current phase.
type State int

const (
	StateSteady State = iota
	StatePending
	StateSwitching
	StateRollingBack
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSwitching:
		return "switching"
	case StateRollingBack:
		return "rolling_back"
	case StateUnavailable:
		return "unavailable"
	default:
		return "steady"
	}
}

// ErrRotating is returned by Accept when a switch is pending or in
// progress; callers surface this as HTTP 503 "rotating accounts".
var ErrRotating = errors.New("rotation: account switch pending or in progress")

// ErrUnavailable is returned by Accept once a rollback has itself failed
// and the controller cannot reach a known-good credential without external
// intervention.
var ErrUnavailable = errors.New("rotation: no usable credential, manual intervention required")

// Thresholds configures the trigger classification rules.
type Thresholds struct {
	FailureThreshold           int
	SwitchOnUses               int
	ImmediateSwitchStatusCodes []int
}

// SwitchOutcome is returned to the Control & Status Surface after a manual
// switch request, describing what actually happened.
type SwitchOutcome struct {
	Success    bool
	FellBackTo int
	Reason     string
}

// Snapshot is a point-in-time read of rotation state for status reporting.
type Snapshot struct {
	CurrentIndex       int
	UsageCount         int
	FailureCount       int
	SwitchOnUses       int
	FailureThreshold   int
	PendingSwitch      bool
	AuthSwitching      bool
	ActiveRequestCount int
	State              State
}

// Controller owns the rotation state machine.
type Controller struct {
	mu sync.Mutex

	thresholds Thresholds
	store      *store.Store
	session    browser.Session

	currentIndex       int
	usageCount         int
	failureCount       int
	pendingSwitch      bool
	pendingTarget      *int
	authSwitching      bool
	systemBusy         bool
	activeRequestCount int
	state              State
}

// New constructs a Controller starting at initialIndex.
func New(thresholds Thresholds, st *store.Store, session browser.Session, initialIndex int) *Controller {
	return &Controller{
		thresholds:   thresholds,
		store:        st,
		session:      session,
		currentIndex: initialIndex,
		state:        StateSteady,
	}
}

// CurrentIndex returns the active credential index.
func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentIndex
}

// IsSystemBusy reports whether a browser lifecycle operation is underway.
func (c *Controller) IsSystemBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemBusy
}

// SetSystemBusy marks a non-rotation browser lifecycle operation (such as
// an auto-recovery reattach) as underway or finished. The Request Pipeline
// holds this around its own switchTo calls so the rotation controller does
// not start a switch concurrently with one.
func (c *Controller) SetSystemBusy(busy bool) {
	c.mu.Lock()
	c.systemBusy = busy
	c.mu.Unlock()
}

// Accept implements the Request Pipeline's acceptance gate: it rejects new
// requests while a switch is pending, in progress, or unrecoverable, and
// otherwise increments activeRequestCount exactly once.
func (c *Controller) Accept() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateUnavailable {
		return ErrUnavailable
	}
	if c.pendingSwitch || c.authSwitching {
		return ErrRotating
	}
	c.activeRequestCount++
	return nil
}

// Finish implements request finalisation: decrement activeRequestCount
// (clamped at zero, safe to call at most once per accepted request) and,
// if a switch is waiting on quiescence, attempt it now.
func (c *Controller) Finish(ctx context.Context) {
	c.mu.Lock()
	if c.activeRequestCount > 0 {
		c.activeRequestCount--
	}
	shouldAttempt := c.pendingSwitch && !c.authSwitching && c.activeRequestCount == 0 && c.state != StateUnavailable
	c.mu.Unlock()
	if shouldAttempt {
		c.attemptSwitch(ctx)
	}
}

// RecordGenerativeUsage implements the usage-based trigger: called once per
// accepted generative request. When switchOnUses is exhausted it marks the
// switch pending but does not attempt it immediately; the next Finish call
// that observes zero active requests performs it.
func (c *Controller) RecordGenerativeUsage() {
	c.mu.Lock()
	if c.thresholds.SwitchOnUses <= 0 || c.authSwitching {
		c.mu.Unlock()
		return
	}
	c.usageCount++
	if c.usageCount >= c.thresholds.SwitchOnUses {
		c.pendingSwitch = true
		c.state = StatePending
	}
	c.mu.Unlock()
}

// RecordFailure implements the failure-count-based and status-code-based
// triggers. status is the relay error's HTTP status, or 0 if the relay
// supplied none. Per the error handling design, RecordFailure must only be
// called for upstream terminal errors, never for client cancellations or
// channel-loss failures.
func (c *Controller) RecordFailure(ctx context.Context, status int) {
	c.mu.Lock()
	if c.authSwitching {
		c.mu.Unlock()
		return
	}
	c.failureCount++
	immediate := statusTriggersImmediate(status, c.thresholds.ImmediateSwitchStatusCodes)
	if !immediate && c.thresholds.FailureThreshold > 0 && c.failureCount >= c.thresholds.FailureThreshold {
		immediate = true
	}
	if immediate {
		c.pendingSwitch = true
		c.state = StatePending
	}
	c.mu.Unlock()
	if immediate {
		// Failure- and status-based triggers attempt execution right away
		// rather than waiting for the next Finish call; the mutual
		// exclusion invariant still gates whether it actually runs now.
		c.attemptSwitch(ctx)
	}
}

// RecordSuccess resets the failure counter on the first successful
// response after a failure, per the error handling design.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	c.failureCount = 0
	c.mu.Unlock()
}

func statusTriggersImmediate(status int, codes []int) bool {
	for _, code := range codes {
		if code == status {
			return true
		}
	}
	return false
}

// ManualSwitch implements the admin "switch-account" operation: target nil
// selects the next index cyclically, otherwise the explicit index.
func (c *Controller) ManualSwitch(ctx context.Context, target *int) SwitchOutcome {
	c.mu.Lock()
	if c.authSwitching {
		c.mu.Unlock()
		return SwitchOutcome{Success: false, Reason: "a switch is already in progress"}
	}
	if c.state == StateUnavailable {
		c.mu.Unlock()
		return SwitchOutcome{Success: false, Reason: "no usable credential; manual intervention required"}
	}
	c.pendingSwitch = true
	c.pendingTarget = target
	c.state = StatePending
	c.mu.Unlock()

	c.attemptSwitch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateUnavailable {
		return SwitchOutcome{Success: false, Reason: "rollback failed; no usable credential"}
	}
	if c.pendingSwitch {
		return SwitchOutcome{Success: false, Reason: "switch deferred until in-flight requests finish"}
	}
	return SwitchOutcome{Success: true, FellBackTo: c.currentIndex}
}

// attemptSwitch performs the Switching/Rolling-back transition described in
// the state machine. It is a no-op unless activeRequestCount == 0 and no
// switch is already underway, matching the rotation-may-only-execute
// invariant.
func (c *Controller) attemptSwitch(ctx context.Context) {
	c.mu.Lock()
	if c.authSwitching || c.activeRequestCount != 0 || c.state == StateUnavailable {
		c.mu.Unlock()
		return
	}
	previousIndex := c.currentIndex
	target := c.resolveTarget()
	c.authSwitching = true
	c.systemBusy = true
	c.state = StateSwitching
	c.mu.Unlock()

	err := c.session.SwitchTo(ctx, target)
	if err == nil {
		c.mu.Lock()
		c.currentIndex = target
		c.usageCount = 0
		c.failureCount = 0
		c.pendingSwitch = false
		c.pendingTarget = nil
		c.authSwitching = false
		c.systemBusy = false
		c.state = StateSteady
		c.mu.Unlock()
		log.Infof("rotation: switched credential %d -> %d", previousIndex, target)
		return
	}

	log.Warnf("rotation: switchTo(%d) failed: %v; rolling back to %d", target, err, previousIndex)
	c.mu.Lock()
	c.state = StateRollingBack
	c.mu.Unlock()

	rollbackErr := c.session.SwitchTo(ctx, previousIndex)

	c.mu.Lock()
	c.authSwitching = false
	c.systemBusy = false
	if rollbackErr == nil {
		c.currentIndex = previousIndex
		c.pendingSwitch = false
		c.pendingTarget = nil
		c.state = StateSteady
	} else {
		log.Errorf("rotation: rollback to %d failed: %v; entering unavailable state", previousIndex, rollbackErr)
		c.state = StateUnavailable
	}
	c.mu.Unlock()
}

// resolveTarget must be called with mu held. It returns the explicit
// pendingTarget if one was set by a manual switch, otherwise the next
// index cyclically through the store's available indices.
func (c *Controller) resolveTarget() int {
	if c.pendingTarget != nil {
		return *c.pendingTarget
	}
	indices := c.store.AvailableIndices()
	if len(indices) == 0 {
		return c.currentIndex
	}
	for i, idx := range indices {
		if idx == c.currentIndex {
			return indices[(i+1)%len(indices)]
		}
	}
	return indices[0]
}

// Snapshot returns a point-in-time read of rotation state for the Control &
// Status Surface's status endpoint.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		CurrentIndex:       c.currentIndex,
		UsageCount:         c.usageCount,
		FailureCount:       c.failureCount,
		SwitchOnUses:       c.thresholds.SwitchOnUses,
		FailureThreshold:   c.thresholds.FailureThreshold,
		PendingSwitch:      c.pendingSwitch,
		AuthSwitching:      c.authSwitching,
		ActiveRequestCount: c.activeRequestCount,
		State:              c.state,
	}
}

// UsageSummary renders "k/N" for the status endpoint, or "k/-" when usage
// rotation is disabled.
func (s Snapshot) UsageSummary() string {
	if s.SwitchOnUses <= 0 {
		return fmt.Sprintf("%d/-", s.UsageCount)
	}
	return fmt.Sprintf("%d/%d", s.UsageCount, s.SwitchOnUses)
}

// FailureSummary renders "k/N" for the status endpoint, or "k/-" when
// failure-count rotation is disabled.
func (s Snapshot) FailureSummary() string {
	if s.FailureThreshold <= 0 {
		return fmt.Sprintf("%d/-", s.FailureCount)
	}
	return fmt.Sprintf("%d/%d", s.FailureCount, s.FailureThreshold)
}
