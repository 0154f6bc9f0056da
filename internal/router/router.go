// Package router forwards ICE candidates between the two members of a
// proposal.
package router

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/registry"
)

var (
	// ErrStaleCandidate means the sender has no live directory entry.
	ErrStaleCandidate = errors.New("candidate from unknown sender")
	// ErrTransportFailure means the peer was gone or the write failed.
	ErrTransportFailure = errors.New("peer transport unavailable")
)

// EventReceivedCandidate is the outbound event carrying a routed candidate.
const EventReceivedCandidate = "receivedIceCandidateFromServer"

type Router struct {
	log     *slog.Logger
	reg     *registry.Registry
	dir     *directory.Directory
	metrics *metrics.Metrics
}

func New(reg *registry.Registry, dir *directory.Directory, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{log: logger, reg: reg, dir: dir, metrics: m}
}

// Route records candidate c from sender and delivers it to the peer when one
// is known. Candidates from a proposer are always queued on the proposal, so
// a responder that has not matched yet receives them at match time; being
// queued without live delivery is not an error. Nothing is retried.
func (r *Router) Route(sender string, isSenderProposer bool, c webrtc.ICECandidateInit) error {
	if _, ok := r.dir.Find(sender); !ok {
		r.metrics.Inc(metrics.CandidatesDropped)
		r.log.Debug("dropping candidate from unknown sender", "user", sender)
		return ErrStaleCandidate
	}

	var (
		peer string
		err  error
	)
	if isSenderProposer {
		peer, err = r.reg.AddProposerCandidate(sender, c)
	} else {
		peer, err = r.reg.AddResponderCandidate(sender, c)
	}
	if err != nil {
		r.metrics.Inc(metrics.CandidatesDropped)
		r.log.Debug("dropping candidate with no proposal", "user", sender, "did_i_offer", isSenderProposer)
		return fmt.Errorf("route candidate from %q: %w", sender, err)
	}
	if peer == "" {
		r.metrics.Inc(metrics.CandidatesQueued)
		return nil
	}

	return r.Deliver(peer, c)
}

// Deliver sends c straight to identity's live transport.
func (r *Router) Deliver(identity string, c webrtc.ICECandidateInit) error {
	conn, ok := r.dir.Find(identity)
	if !ok {
		r.metrics.Inc(metrics.TransportFailures)
		r.log.Debug("candidate peer not connected", "peer", identity)
		return fmt.Errorf("deliver candidate to %q: %w", identity, ErrTransportFailure)
	}
	if err := conn.Transport.Send(EventReceivedCandidate, c); err != nil {
		r.metrics.Inc(metrics.TransportFailures)
		r.log.Warn("candidate delivery failed", "peer", identity, "err", err)
		return fmt.Errorf("deliver candidate to %q: %w: %v", identity, ErrTransportFailure, err)
	}
	r.metrics.Inc(metrics.CandidatesRouted)
	return nil
}
