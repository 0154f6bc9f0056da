package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/router"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/sessiontimer"
)

// Transport is a participant's signaling channel as seen by the controller.
type Transport interface {
	directory.Transport
	// Reply answers an ack-requesting frame.
	Reply(ackID uint64, payload any, werr *WireError) error
	SendError(code, message string) error
}

type ControllerConfig struct {
	Registry  *registry.Registry
	Directory *directory.Directory
	Router    *router.Router
	Timers    *sessiontimer.Manager
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// IsTimeLimitedRole maps a role claim onto the time-limited budget
	// policy. Nil means no role is time-limited.
	IsTimeLimitedRole func(role string) bool

	NotifyPeerOnDisconnect bool
	// StrictSDP parses every offer and answer before accepting it.
	StrictSDP bool
}

// Controller drives the per-rendezvous state machine: a proposer waits for a
// peer, a responder matches its proposal, the pair exchanges candidates and
// runs a session until one side leaves or the budget runs out.
type Controller struct {
	log     *slog.Logger
	reg     *registry.Registry
	dir     *directory.Directory
	router  *router.Router
	timers  *sessiontimer.Manager
	metrics *metrics.Metrics

	isTimeLimited func(string) bool
	notifyPeer    bool
	strictSDP     bool
}

func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	isTimeLimited := cfg.IsTimeLimitedRole
	if isTimeLimited == nil {
		isTimeLimited = func(string) bool { return false }
	}
	return &Controller{
		log:           logger,
		reg:           cfg.Registry,
		dir:           cfg.Directory,
		router:        cfg.Router,
		timers:        cfg.Timers,
		metrics:       cfg.Metrics,
		isTimeLimited: isTimeLimited,
		notifyPeer:    cfg.NotifyPeerOnDisconnect,
		strictSDP:     cfg.StrictSDP,
	}
}

// Participant is one connected identity. Its Handle and Disconnect methods
// must be called from a single goroutine.
type Participant struct {
	c    *Controller
	id   auth.Identity
	conn *directory.Conn
	t    Transport
	log  *slog.Logger

	disconnectOnce sync.Once
}

func (p *Participant) Identity() auth.Identity { return p.id }

// DidIOffer reports whether this participant holds the proposer slot.
func (p *Participant) DidIOffer() bool { return p.conn.DidIOffer }

// Connect registers id under connectionID and sends the initial connected and
// availableOffers events. The returned error is directory.ErrRendezvousFull
// when connectionID already pairs two other identities.
func (c *Controller) Connect(id auth.Identity, connectionID string, t Transport) (*Participant, error) {
	role := directory.RoleUnlimited
	if c.isTimeLimited(id.Role) {
		role = directory.RoleTimeLimited
	}

	reg, err := c.dir.Register(id.UserName, id.Role, role, connectionID, t)
	if err != nil {
		c.metrics.Inc(metrics.ConnectionsRejected)
		return nil, err
	}
	c.metrics.Inc(metrics.ConnectionsAccepted)

	p := &Participant{
		c:    c,
		id:   id,
		conn: reg.Conn,
		t:    t,
		log:  c.log.With("user", id.UserName, "connection_id", connectionID),
	}

	if reg.ReplacedTimer != nil {
		reg.ReplacedTimer.Stop()
	}
	if reg.Replaced != nil {
		c.metrics.Inc(metrics.ConnectionsReplaced)
		p.log.Info("replacing earlier connection for identity")
		_ = reg.Replaced.Close()
	}

	connected := connectedPayload{DidIOffer: reg.Conn.DidIOffer}
	if !reg.Conn.DidIOffer && reg.PeerIdentity != "" {
		if proposal, err := c.reg.Get(reg.PeerIdentity); err == nil {
			connected.OfferObj = &proposal
		}
	}
	p.send(EventConnected, connected)

	var pending []registry.Proposal
	for _, proposal := range c.reg.ListPending() {
		if proposal.OffererUserName != id.UserName {
			pending = append(pending, proposal)
		}
	}
	if len(pending) > 0 {
		p.send(EventAvailableOffers, pending)
	}

	if !reg.Conn.DidIOffer {
		// The rendezvous resolves to the proposer while it is connected.
		if proposer, ok := c.dir.FindByConnectionID(connectionID); ok && proposer != reg.Conn {
			if err := proposer.Transport.Send(sessiontimer.EventNotification, fmt.Sprintf("%s joined the call", id.UserName)); err != nil {
				p.log.Debug("peer join notification failed", "peer", proposer.Identity, "err", err)
			}
		}
	}

	p.log.Info("participant connected", "role", id.Role, "did_i_offer", reg.Conn.DidIOffer)
	return p, nil
}

// Handle processes one inbound frame and reports whether the participant
// asked to leave. Frames carrying an ackId are always answered, with an error
// body when handling failed.
func (p *Participant) Handle(env Envelope) (leave bool) {
	req := &request{p: p, env: env}

	var (
		payload any
		err     error
	)
	switch env.Type {
	case eventNewOffer:
		payload, err = p.handleNewOffer(env)
	case eventNewAnswer:
		err = p.handleNewAnswer(req)
	case eventSendIceCandidate:
		err = p.handleCandidate(env)
	case eventSessionStarted:
		err = p.handleSessionStarted(env)
	case eventLeave:
		leave = true
	default:
		err = badMessage("unexpected message type %q", env.Type)
	}

	if req.replied {
		if err != nil {
			p.log.Debug("event failed after reply", "event", env.Type, "err", err)
		}
		return leave
	}
	if err != nil {
		p.reportError(env, err)
		return leave
	}
	if env.AckID != nil {
		req.reply(payload)
	}
	return leave
}

type request struct {
	p       *Participant
	env     Envelope
	replied bool
}

func (r *request) reply(payload any) error {
	r.replied = true
	if r.env.AckID == nil {
		return nil
	}
	return r.p.t.Reply(*r.env.AckID, payload, nil)
}

func (p *Participant) handleNewOffer(env Envelope) (any, error) {
	var msg newOfferPayload
	if err := decodePayload(env, &msg); err != nil {
		return nil, err
	}
	offer, err := msg.description()
	if err != nil {
		return nil, badMessage("newOffer: %v", err)
	}
	if err := p.c.checkSDP(offer); err != nil {
		return nil, badMessage("newOffer: %v", err)
	}
	if msg.ConnectionID != "" && msg.ConnectionID != p.conn.ConnectionID {
		p.log.Debug("newOffer connectionId differs from handshake", "payload_connection_id", msg.ConnectionID)
	}

	proposal, err := p.c.reg.Submit(p.id.UserName, offer)
	if err != nil {
		return nil, fmt.Errorf("newOffer: %w", err)
	}
	p.c.metrics.Inc(metrics.ProposalsSubmitted)
	p.log.Info("proposal submitted", "proposal_id", proposal.ID)

	awaiting := []registry.Proposal{proposal}
	p.c.dir.Each(func(other *directory.Conn) {
		if other == p.conn {
			return
		}
		if err := other.Transport.Send(EventNewOfferAwaiting, awaiting); err != nil {
			p.log.Debug("newOfferAwaiting broadcast failed", "peer", other.Identity, "err", err)
		}
	})
	return proposal, nil
}

func (p *Participant) handleNewAnswer(req *request) error {
	var msg newAnswerPayload
	if err := decodePayload(req.env, &msg); err != nil {
		return err
	}
	answer, err := msg.description()
	if err != nil {
		return badMessage("newAnswer: %v", err)
	}
	if err := p.c.checkSDP(answer); err != nil {
		return badMessage("newAnswer: %v", err)
	}
	if msg.OffererUserName == p.id.UserName {
		return badMessage("newAnswer: cannot answer own proposal")
	}

	proposer, ok := p.c.dir.Find(msg.OffererUserName)
	if !ok {
		p.c.metrics.Inc(metrics.AnswersFailed)
		return fmt.Errorf("answer for %q: %w", msg.OffererUserName, registry.ErrNotFound)
	}

	// The responder must hold the queued candidates before anything else it
	// sends can reference them, so they go out as the ack (or inline when the
	// client asked for no ack) before the match is committed.
	handoff := func(queued []webrtc.ICECandidateInit) error {
		if queued == nil {
			queued = []webrtc.ICECandidateInit{}
		}
		if req.env.AckID != nil {
			return req.reply(queued)
		}
		req.replied = true
		for _, c := range queued {
			if err := p.t.Send(router.EventReceivedCandidate, c); err != nil {
				return err
			}
		}
		return nil
	}

	matched, late, err := p.c.reg.AttachAnswer(msg.OffererUserName, p.id.UserName, answer, handoff)
	if err != nil {
		p.c.metrics.Inc(metrics.AnswersFailed)
		if req.replied {
			p.log.Warn("queued candidate handoff failed", "proposer", msg.OffererUserName, "err", err)
			return err
		}
		return fmt.Errorf("answer for %q: %w", msg.OffererUserName, err)
	}
	p.c.metrics.Inc(metrics.AnswersAttached)
	p.log.Info("answer attached", "proposer", msg.OffererUserName, "proposal_id", matched.ID)

	if err := proposer.Transport.Send(EventAnswerResponse, matched); err != nil {
		p.c.metrics.Inc(metrics.TransportFailures)
		p.log.Warn("answerResponse delivery failed", "proposer", msg.OffererUserName, "err", err)
	}
	for _, c := range late {
		if err := p.c.router.Deliver(p.id.UserName, c); err != nil {
			p.log.Debug("late candidate delivery failed", "err", err)
		}
	}
	return nil
}

func (p *Participant) handleCandidate(env Envelope) error {
	var msg iceCandidatePayload
	if err := decodePayload(env, &msg); err != nil {
		return err
	}
	if msg.IceCandidate == nil {
		return badMessage("%s: missing iceCandidate", env.Type)
	}
	if msg.DidIOffer == nil {
		return badMessage("%s: missing didIOffer", env.Type)
	}
	if msg.IceUserName != "" && msg.IceUserName != p.id.UserName {
		p.log.Debug("iceUserName differs from authenticated identity", "ice_user_name", msg.IceUserName)
	}

	err := p.c.router.Route(p.id.UserName, *msg.DidIOffer, msg.IceCandidate.ToPion())
	if err != nil {
		p.log.Debug("candidate not routed", "did_i_offer", *msg.DidIOffer, "err", err)
	}
	return err
}

func (p *Participant) handleSessionStarted(env Envelope) error {
	var msg sessionStartedPayload
	if len(env.Payload) > 0 {
		if err := decodePayload(env, &msg); err != nil {
			return err
		}
	}
	budget, err := msg.budget()
	if err != nil {
		return badMessage("%s: %v", env.Type, err)
	}

	peerIdentity, err := p.c.reg.PeerOf(p.id.UserName)
	if err != nil {
		return fmt.Errorf("session start: %w", err)
	}
	peer, ok := p.c.dir.Find(peerIdentity)
	if !ok {
		return fmt.Errorf("session start: peer %q: %w", peerIdentity, router.ErrTransportFailure)
	}

	if _, started := p.c.timers.Start(p.conn, peer, budget); !started {
		p.log.Debug("session already running", "peer", peerIdentity)
		return nil
	}
	if err := peer.Transport.Send(sessiontimer.EventNotification, sessiontimer.MsgSessionStarted); err != nil {
		p.log.Debug("session start notification failed", "peer", peerIdentity, "err", err)
	}
	return nil
}

// Disconnect removes the participant: its session timer is cancelled before
// its directory entry and proposals are dropped. Safe to call more than once.
func (p *Participant) Disconnect() {
	p.disconnectOnce.Do(func() {
		if t := p.c.dir.Timer(p.conn); t != nil {
			t.Stop()
		}

		peerIdentity, err := p.c.reg.PeerOf(p.id.UserName)
		if err != nil || peerIdentity == "" {
			peerIdentity = p.c.dir.RendezvousPeer(p.conn)
		}

		t, removed := p.c.dir.Remove(p.id.UserName, p.conn)
		if t != nil {
			t.Stop()
		}
		if !removed {
			// A newer connection for the same identity owns the state.
			return
		}
		n := p.c.reg.Remove(p.id.UserName)
		p.c.metrics.Inc(metrics.ConnectionsClosed)
		p.log.Info("participant disconnected", "proposals_removed", n)

		if !p.c.notifyPeer || peerIdentity == "" {
			return
		}
		if peer, ok := p.c.dir.Find(peerIdentity); ok {
			if err := peer.Transport.Send(EventPeerDisconnected, peerDisconnectedPayload{UserName: p.id.UserName}); err != nil {
				p.log.Debug("peerDisconnected delivery failed", "peer", peerIdentity, "err", err)
			}
		}
	})
}

// CloseAll closes every registered transport. Each read loop then runs its
// own Disconnect.
func (c *Controller) CloseAll() {
	c.dir.Each(func(conn *directory.Conn) {
		_ = conn.Transport.Close()
	})
}

func (p *Participant) send(event string, payload any) {
	if err := p.t.Send(event, payload); err != nil {
		p.log.Debug("send failed", "event", event, "err", err)
	}
}

func (p *Participant) reportError(env Envelope, err error) {
	code, message := errorCode(err), err.Error()

	if code == codeBadMessage {
		p.c.metrics.Inc(metrics.MessagesMalformed)
	}
	p.log.Debug("event failed", "event", env.Type, "code", code, "err", err)

	if env.AckID != nil {
		if rerr := p.t.Reply(*env.AckID, nil, &WireError{Code: code, Message: message}); rerr != nil {
			p.log.Debug("error ack failed", "err", rerr)
		}
		return
	}
	// Relay-internal failures of fire-and-forget events are only logged.
	if code == codeBadMessage {
		if serr := p.t.SendError(code, message); serr != nil {
			p.log.Debug("error frame failed", "err", serr)
		}
	}
}

func (c *Controller) checkSDP(desc webrtc.SessionDescription) error {
	if !c.strictSDP {
		return nil
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("invalid sdp: %w", err)
	}
	return nil
}

func errorCode(err error) string {
	var perr *protocolError
	switch {
	case errors.As(err, &perr):
		return perr.Code
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, router.ErrStaleCandidate):
		return codeNotFound
	case errors.Is(err, registry.ErrAlreadyMatched), errors.Is(err, registry.ErrBusy):
		return codeAlreadyMatched
	case errors.Is(err, router.ErrTransportFailure):
		return codeTransportFailure
	case errors.Is(err, directory.ErrRendezvousFull):
		return codeRendezvousFull
	default:
		return codeInternalError
	}
}
