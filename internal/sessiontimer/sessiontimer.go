// Package sessiontimer enforces per-pair session budgets.
//
// A Timer ticks at a fixed interval for one matched pair. Every tick adds the
// interval to both members' connected time and, for time-limited roles,
// subtracts it from their remaining budget. Members are warned while the
// budget is low and the session is ended for both once it runs out, after
// which the timer stops itself.
package sessiontimer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

const (
	EventNotification = "notification"
	EventSessionEnded = "sessionEnded"

	MsgSessionStarted    = "Session started"
	MsgTimeLimitExceeded = "User time limit exceeded"

	ReasonTimeLimit = "time_limit"
)

const (
	DefaultInterval      = time.Second
	DefaultWarnThreshold = 10 * time.Second
)

// SessionEnded is the payload of the sessionEnded event.
type SessionEnded struct {
	Reason          string `json:"reason"`
	ConnectedTimeMs int64  `json:"connectedTimeMs"`
}

type Config struct {
	Interval      time.Duration
	WarnThreshold time.Duration
	// DefaultBudget applies when Start is given no budget.
	DefaultBudget time.Duration
	Clock         Clock
}

// Manager starts timers and records them on the directory entries of the
// pair.
type Manager struct {
	log     *slog.Logger
	dir     *directory.Directory
	metrics *metrics.Metrics

	interval      time.Duration
	warnThreshold time.Duration
	defaultBudget time.Duration
	clock         Clock
}

func NewManager(dir *directory.Directory, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WarnThreshold < 0 {
		cfg.WarnThreshold = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	return &Manager{
		log:           logger,
		dir:           dir,
		metrics:       m,
		interval:      cfg.Interval,
		warnThreshold: cfg.WarnThreshold,
		defaultBudget: cfg.DefaultBudget,
		clock:         cfg.Clock,
	}
}

// Start runs a timer for the pair a, b. It reports false and does nothing
// when either member already owns a timer, so repeated sessionStarted
// signals never double-count.
func (m *Manager) Start(a, b *directory.Conn, budget time.Duration) (*Timer, bool) {
	if budget <= 0 {
		budget = m.defaultBudget
	}
	t := &Timer{
		m:       m,
		members: [2]*directory.Conn{a, b},
		budget:  budget,
		ticker:  m.clock.NewTicker(m.interval),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if !m.dir.AttachPairTimer(a, b, t) {
		t.ticker.Stop()
		m.metrics.Inc(metrics.SessionStartDuplicate)
		return nil, false
	}
	m.metrics.Inc(metrics.SessionsStarted)
	m.log.Info("session timer started",
		"user", a.Identity, "peer", b.Identity,
		"budget", budget, "interval", m.interval)
	go t.run()
	return t, true
}

type Timer struct {
	m       *Manager
	members [2]*directory.Conn
	budget  time.Duration
	ticker  Ticker

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Stop cancels the timer. Once Stop returns no further tick runs. Stop is
// safe to call more than once but must not be called from a tick.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

// Done is closed when the timer has stopped, whether cancelled or expired.
func (t *Timer) Done() <-chan struct{} {
	return t.done
}

func (t *Timer) run() {
	defer close(t.done)
	defer t.m.dir.ClearTimer(t)
	defer t.ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C():
		}
		// A cancel that raced the tick wins.
		select {
		case <-t.stop:
			return
		default:
		}
		if t.tick() {
			return
		}
	}
}

// tick advances both members and reports whether the session has ended.
func (t *Timer) tick() bool {
	var (
		limited bool
		lowest  time.Duration
	)
	for _, c := range t.members {
		rem, ok := policyFor(c.Role).advance(c, t.m.interval, t.budget)
		if !ok {
			continue
		}
		if !limited || rem < lowest {
			lowest = rem
		}
		limited = true
	}
	if !limited {
		return false
	}

	switch {
	case lowest <= 0:
		t.broadcast(EventNotification, MsgTimeLimitExceeded)
		for _, c := range t.members {
			t.send(c, EventSessionEnded, SessionEnded{
				Reason:          ReasonTimeLimit,
				ConnectedTimeMs: c.ConnectedTime().Milliseconds(),
			})
		}
		t.m.metrics.Inc(metrics.SessionsExpired)
		t.m.log.Info("session time limit reached",
			"user", t.members[0].Identity, "peer", t.members[1].Identity)
		return true
	case lowest <= t.m.warnThreshold:
		t.m.metrics.Inc(metrics.SessionWarnings)
		t.broadcast(EventNotification, MsgTimeLimitExceeded)
	}
	return false
}

func (t *Timer) broadcast(event string, payload any) {
	for _, c := range t.members {
		t.send(c, event, payload)
	}
}

func (t *Timer) send(c *directory.Conn, event string, payload any) {
	if err := c.Transport.Send(event, payload); err != nil {
		t.m.metrics.Inc(metrics.TransportFailures)
		t.m.log.Debug("session timer send failed", "user", c.Identity, "event", event, "err", err)
	}
}

// budgetPolicy advances one member's clocks for a tick. limited is false for
// roles without a budget.
type budgetPolicy interface {
	advance(c *directory.Conn, interval, budget time.Duration) (remaining time.Duration, limited bool)
}

type unlimitedPolicy struct{}

func (unlimitedPolicy) advance(c *directory.Conn, interval, _ time.Duration) (time.Duration, bool) {
	c.AddConnectedTime(interval)
	return 0, false
}

type timeLimitedPolicy struct{}

func (timeLimitedPolicy) advance(c *directory.Conn, interval, budget time.Duration) (time.Duration, bool) {
	rem := c.ConsumeBudget(budget, interval)
	c.AddConnectedTime(interval)
	return rem, true
}

func policyFor(r directory.Role) budgetPolicy {
	switch r {
	case directory.RoleTimeLimited:
		return timeLimitedPolicy{}
	default:
		return unlimitedPolicy{}
	}
}
