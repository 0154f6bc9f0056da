// Package registry holds session proposals (offers) and their matching state.
//
// All proposal fields are guarded by the registry mutex; callers only ever see
// snapshots. Lookups go through identity-keyed indexes so matching and
// candidate routing never scan the full proposal list.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrNotFound means no proposal matches the given identity.
	ErrNotFound = errors.New("proposal not found")
	// ErrAlreadyMatched means another responder has taken, or is taking, the proposal.
	ErrAlreadyMatched = errors.New("proposal already matched")
	// ErrBusy means the identity already holds, or is taking, another match.
	ErrBusy = errors.New("identity already in a session")
)

// Proposal is a snapshot of one offer and its negotiation state. The JSON
// field names are the wire contract shared with browser clients.
type Proposal struct {
	ID                    string                     `json:"id"`
	OffererUserName       string                     `json:"offererUserName"`
	Offer                 webrtc.SessionDescription  `json:"offer"`
	OfferIceCandidates    []webrtc.ICECandidateInit  `json:"offerIceCandidates"`
	AnswererUserName      *string                    `json:"answererUserName"`
	Answer                *webrtc.SessionDescription `json:"answer"`
	AnswererIceCandidates []webrtc.ICECandidateInit  `json:"answererIceCandidates"`
}

// Matched reports whether a responder has been attached.
func (p Proposal) Matched() bool {
	return p.AnswererUserName != nil
}

type proposal struct {
	id         string
	proposer   string
	offer      webrtc.SessionDescription
	offerCands []webrtc.ICECandidateInit

	// pending is the responder whose answer is being handed off; it reserves
	// the proposal without committing the match.
	pending     string
	responder   string
	answer      *webrtc.SessionDescription
	answerCands []webrtc.ICECandidateInit

	seq uint64
}

func (p *proposal) snapshot() Proposal {
	out := Proposal{
		ID:                    p.id,
		OffererUserName:       p.proposer,
		Offer:                 p.offer,
		OfferIceCandidates:    append([]webrtc.ICECandidateInit{}, p.offerCands...),
		AnswererIceCandidates: append([]webrtc.ICECandidateInit{}, p.answerCands...),
	}
	if p.responder != "" {
		responder := p.responder
		out.AnswererUserName = &responder
	}
	if p.answer != nil {
		answer := *p.answer
		out.Answer = &answer
	}
	return out
}

// Registry is the in-memory proposal store. The zero value is not usable; use
// New.
type Registry struct {
	log *slog.Logger

	mu          sync.Mutex
	seq         uint64
	byProposer  map[string]*proposal
	byResponder map[string]*proposal
	// byPending indexes responders whose handoff is in flight so Remove can
	// release the reservation when they disconnect mid-handoff.
	byPending map[string]*proposal
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:         logger,
		byProposer:  make(map[string]*proposal),
		byResponder: make(map[string]*proposal),
		byPending:   make(map[string]*proposal),
	}
}

// Submit stores a new unmatched proposal for proposer and returns its
// snapshot. An earlier unmatched proposal from the same proposer is discarded
// so at most one exists per identity. A matched proposal is never replaced:
// Submit returns ErrAlreadyMatched and the pairing stays intact.
func (r *Registry) Submit(proposer string, offer webrtc.SessionDescription) (Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byProposer[proposer]; ok {
		if old.responder != "" {
			return Proposal{}, ErrAlreadyMatched
		}
		r.log.Debug("replacing earlier proposal", "user", proposer, "proposal_id", old.id)
		r.dropLocked(old)
	}

	r.seq++
	p := &proposal{
		id:       uuid.NewString(),
		proposer: proposer,
		offer:    offer,
		seq:      r.seq,
	}
	r.byProposer[proposer] = p
	return p.snapshot(), nil
}

// ListPending returns every unmatched proposal, oldest first.
func (r *Registry) ListPending() []Proposal {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]*proposal, 0, len(r.byProposer))
	for _, p := range r.byProposer {
		if p.responder == "" {
			pending = append(pending, p)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	out := make([]Proposal, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.snapshot())
	}
	return out
}

// Get returns the current proposal submitted by proposer.
func (r *Registry) Get(proposer string) (Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byProposer[proposer]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	return p.snapshot(), nil
}

// Handoff delivers the proposer's queued candidates to the responder and
// reports whether they arrived. It runs without the registry lock held.
type Handoff func(queued []webrtc.ICECandidateInit) error

// AttachAnswer matches responder to proposer's unmatched proposal. An identity
// is matched at most once at a time: ErrBusy is returned when responder has
// already answered (or is answering) another proposal, when its own proposal
// is matched, or when it names itself as proposer.
//
// The proposer's candidate queue is copied and passed to handoff before the
// match is committed. If handoff fails the proposal is released unmatched.
// On success the returned late candidates are those queued while handoff was
// running; the caller must stream them to the responder since they were not
// part of the acknowledged queue.
func (r *Registry) AttachAnswer(proposer, responder string, answer webrtc.SessionDescription, handoff Handoff) (matched Proposal, late []webrtc.ICECandidateInit, err error) {
	r.mu.Lock()
	if r.busyLocked(responder) || proposer == responder {
		r.mu.Unlock()
		return Proposal{}, nil, ErrBusy
	}
	p, ok := r.byProposer[proposer]
	if !ok {
		r.mu.Unlock()
		return Proposal{}, nil, ErrNotFound
	}
	if p.responder != "" || p.pending != "" {
		r.mu.Unlock()
		return Proposal{}, nil, ErrAlreadyMatched
	}
	p.pending = responder
	r.byPending[responder] = p
	queued := append([]webrtc.ICECandidateInit{}, p.offerCands...)
	r.mu.Unlock()

	var handoffErr error
	if handoff != nil {
		handoffErr = handoff(queued)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byPending[responder] == p {
		delete(r.byPending, responder)
	}
	// Remove may have dropped the proposal while the lock was released.
	if r.byProposer[proposer] != p || p.pending != responder {
		return Proposal{}, nil, ErrNotFound
	}
	p.pending = ""
	if handoffErr != nil {
		return Proposal{}, nil, fmt.Errorf("hand off queued candidates: %w", handoffErr)
	}

	p.responder = responder
	p.answer = &answer
	r.byResponder[responder] = p
	if len(p.offerCands) > len(queued) {
		late = append([]webrtc.ICECandidateInit{}, p.offerCands[len(queued):]...)
	}
	return p.snapshot(), late, nil
}

// AddProposerCandidate appends c to proposer's candidate queue. The returned
// responder is empty while the proposal is unmatched.
func (r *Registry) AddProposerCandidate(proposer string, c webrtc.ICECandidateInit) (responder string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byProposer[proposer]
	if !ok {
		return "", ErrNotFound
	}
	p.offerCands = append(p.offerCands, c)
	return p.responder, nil
}

// AddResponderCandidate appends c to the responder side of the proposal
// responder has answered and returns that proposal's proposer.
func (r *Registry) AddResponderCandidate(responder string, c webrtc.ICECandidateInit) (proposer string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byResponder[responder]
	if !ok {
		return "", ErrNotFound
	}
	p.answerCands = append(p.answerCands, c)
	return p.proposer, nil
}

// PeerOf returns the other member of identity's matched proposal.
func (r *Registry) PeerOf(identity string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byProposer[identity]; ok && p.responder != "" {
		return p.responder, nil
	}
	if p, ok := r.byResponder[identity]; ok {
		return p.proposer, nil
	}
	return "", ErrNotFound
}

// Remove drops every proposal identity proposed or answered and releases any
// in-flight handoff it holds. It returns the number of proposals removed.
func (r *Registry) Remove(identity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	if p, ok := r.byProposer[identity]; ok {
		r.dropLocked(p)
		n++
	}
	if p, ok := r.byResponder[identity]; ok {
		r.dropLocked(p)
		n++
	}
	if p, ok := r.byPending[identity]; ok {
		delete(r.byPending, identity)
		p.pending = ""
	}
	return n
}

// Len returns the number of stored proposals, matched or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byProposer)
}

func (r *Registry) busyLocked(identity string) bool {
	if _, ok := r.byResponder[identity]; ok {
		return true
	}
	if _, ok := r.byPending[identity]; ok {
		return true
	}
	own, ok := r.byProposer[identity]
	return ok && own.responder != ""
}

func (r *Registry) dropLocked(p *proposal) {
	if r.byProposer[p.proposer] == p {
		delete(r.byProposer, p.proposer)
	}
	if p.responder != "" && r.byResponder[p.responder] == p {
		delete(r.byResponder, p.responder)
	}
	if p.pending != "" && r.byPending[p.pending] == p {
		delete(r.byPending, p.pending)
	}
	p.pending = ""
}
