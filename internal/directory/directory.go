// Package directory tracks the live signaling connection of every participant
// and the rendezvous slots that pair two participants by connection-id.
package directory

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRendezvousFull means a connection-id already names two other identities.
var ErrRendezvousFull = errors.New("rendezvous already has two participants")

// Transport is the outbound half of a participant's signaling channel.
// Send must be safe for concurrent use and must not block indefinitely.
type Transport interface {
	Send(event string, payload any) error
	Close() error
}

// Role selects the session budget policy applied to a participant.
type Role int

const (
	RoleUnlimited Role = iota
	RoleTimeLimited
)

func (r Role) String() string {
	switch r {
	case RoleTimeLimited:
		return "time_limited"
	default:
		return "unlimited"
	}
}

// Stopper is the cancellation handle of a running session timer.
type Stopper interface {
	Stop()
}

// Conn is one participant's directory entry.
type Conn struct {
	Identity     string
	RoleName     string
	Role         Role
	ConnectionID string
	Transport    Transport
	// DidIOffer is true for the first participant of a rendezvous.
	DidIOffer bool

	mu           sync.Mutex
	connected    time.Duration
	remaining    time.Duration
	hasRemaining bool

	// timer is guarded by the owning Directory's mutex.
	timer Stopper
}

// ConnectedTime is the accumulated in-session time.
func (c *Conn) ConnectedTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) AddConnectedTime(d time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected += d
	return c.connected
}

// Remaining reports the remaining budget; ok is false until the first tick of
// a time-limited session initialises it.
func (c *Conn) Remaining() (remaining time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining, c.hasRemaining
}

// ConsumeBudget subtracts d from the remaining budget, initialising it to
// budget first if unset, and returns the new value.
func (c *Conn) ConsumeBudget(budget, d time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasRemaining {
		c.remaining = budget
		c.hasRemaining = true
	}
	c.remaining -= d
	return c.remaining
}

// Registration is the result of Register.
type Registration struct {
	Conn *Conn
	// PeerIdentity is the other rendezvous member, connected or not.
	PeerIdentity string
	// Replaced is the transport of an earlier live connection for the same
	// identity. The caller should close it.
	Replaced Transport
	// ReplacedTimer is the timer the earlier connection owned, if any. The
	// caller should stop it.
	ReplacedTimer Stopper
}

type rendezvous struct {
	proposer  string
	responder string
}

func (r *rendezvous) has(identity string) bool {
	return r.proposer == identity || r.responder == identity
}

func (r *rendezvous) other(identity string) string {
	if r.proposer == identity {
		return r.responder
	}
	return r.proposer
}

// Directory is the connection table. Lookups observe an entry either fully
// registered or fully removed.
type Directory struct {
	log *slog.Logger

	mu         sync.RWMutex
	byIdentity map[string]*Conn
	rendezvous map[string]*rendezvous
}

func New(logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		log:        logger,
		byIdentity: make(map[string]*Conn),
		rendezvous: make(map[string]*rendezvous),
	}
}

// Register adds identity's live connection. The first identity to present a
// connection-id takes the proposer slot and the second the responder slot;
// a slot stays reserved for its identity until both members are gone, so a
// reconnect keeps its role. An empty connection-id registers a proposer with
// no rendezvous.
func (d *Directory) Register(identity, roleName string, role Role, connectionID string, t Transport) (Registration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := &Conn{
		Identity:     identity,
		RoleName:     roleName,
		Role:         role,
		ConnectionID: connectionID,
		Transport:    t,
		DidIOffer:    true,
	}

	var peerIdentity string
	if connectionID != "" {
		rv, ok := d.rendezvous[connectionID]
		switch {
		case !ok:
			d.rendezvous[connectionID] = &rendezvous{proposer: identity}
		case rv.has(identity):
			c.DidIOffer = rv.proposer == identity
			peerIdentity = rv.other(identity)
		case rv.responder == "":
			rv.responder = identity
			c.DidIOffer = false
			peerIdentity = rv.proposer
		default:
			return Registration{}, ErrRendezvousFull
		}
	}

	reg := Registration{Conn: c, PeerIdentity: peerIdentity}
	if old, ok := d.byIdentity[identity]; ok {
		reg.Replaced = old.Transport
		reg.ReplacedTimer = old.timer
		old.timer = nil
		if old.ConnectionID != "" && old.ConnectionID != connectionID {
			d.releaseLocked(old.ConnectionID, identity)
		}
	}
	d.byIdentity[identity] = c
	return reg, nil
}

// Find returns identity's live connection.
func (d *Directory) Find(identity string) (*Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byIdentity[identity]
	return c, ok
}

// FindByConnectionID returns the proposer's live connection for a
// rendezvous, falling back to the responder.
func (d *Directory) FindByConnectionID(connectionID string) (*Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rv, ok := d.rendezvous[connectionID]
	if !ok {
		return nil, false
	}
	if c, ok := d.byIdentity[rv.proposer]; ok {
		return c, true
	}
	if rv.responder != "" {
		if c, ok := d.byIdentity[rv.responder]; ok {
			return c, true
		}
	}
	return nil, false
}

// RendezvousPeer returns the identity sharing c's rendezvous, or "".
func (d *Directory) RendezvousPeer(c *Conn) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c.ConnectionID == "" {
		return ""
	}
	rv, ok := d.rendezvous[c.ConnectionID]
	if !ok || !rv.has(c.Identity) {
		return ""
	}
	return rv.other(c.Identity)
}

// Remove deletes identity's entry if it is still c, and returns the timer it
// owned so the caller can stop it. Removing a stale connection is a no-op.
func (d *Directory) Remove(identity string, c *Conn) (timer Stopper, removed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.byIdentity[identity]
	if !ok || cur != c {
		return nil, false
	}
	delete(d.byIdentity, identity)
	timer = cur.timer
	cur.timer = nil
	if cur.ConnectionID != "" {
		d.releaseLocked(cur.ConnectionID, identity)
	}
	return timer, true
}

// releaseLocked drops a rendezvous once none of its members is connected.
func (d *Directory) releaseLocked(connectionID, leaving string) {
	rv, ok := d.rendezvous[connectionID]
	if !ok {
		return
	}
	for _, member := range []string{rv.proposer, rv.responder} {
		if member == "" || member == leaving {
			continue
		}
		if c, ok := d.byIdentity[member]; ok && c.ConnectionID == connectionID {
			return
		}
	}
	delete(d.rendezvous, connectionID)
}

// Timer returns the timer c currently owns.
func (d *Directory) Timer(c *Conn) Stopper {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return c.timer
}

// AttachPairTimer stores t on both a and b. It reports false, leaving
// everything unchanged, when either already owns a timer or has been removed.
func (d *Directory) AttachPairTimer(a, b *Conn, t Stopper) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a.timer != nil || b.timer != nil {
		return false
	}
	if d.byIdentity[a.Identity] != a || d.byIdentity[b.Identity] != b {
		return false
	}
	a.timer = t
	b.timer = t
	return true
}

// ClearTimer detaches t from every connection that still holds it.
func (d *Directory) ClearTimer(t Stopper) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.byIdentity {
		if c.timer == t {
			c.timer = nil
		}
	}
}

// Each calls fn for a snapshot of the live connections. fn runs without the
// directory lock held.
func (d *Directory) Each(fn func(*Conn)) {
	d.mu.RLock()
	conns := make([]*Conn, 0, len(d.byIdentity))
	for _, c := range d.byIdentity {
		conns = append(conns, c)
	}
	d.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byIdentity)
}
