package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/registry"
)

// Inbound events.
const (
	eventNewOffer         = "newOffer"
	eventNewAnswer        = "newAnswer"
	eventSendIceCandidate = "sendIceCandidateToSignalingServer"
	eventSessionStarted   = "sessionStarted"
	eventLeave            = "leave"
)

// Outbound events.
const (
	EventConnected        = "connected"
	EventAvailableOffers  = "availableOffers"
	EventNewOfferAwaiting = "newOfferAwaiting"
	EventAnswerResponse   = "answerResponse"
	EventPeerDisconnected = "peerDisconnected"
	EventAck              = "ack"
	EventError            = "error"
)

// Error codes carried in error frames and failed acks.
const (
	codeBadMessage       = "bad_message"
	codeUnauthorized     = "unauthorized"
	codeNotFound         = "not_found"
	codeAlreadyMatched   = "already_matched"
	codeRateLimited      = "rate_limited"
	codeTransportFailure = "transport_failure"
	codeRendezvousFull   = "rendezvous_full"
	codeInternalError    = "internal_error"
)

// Envelope is one signaling frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// AckID asks the relay to answer with an ack frame carrying the same id.
	AckID *uint64 `json:"ackId,omitempty"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type outboundFrame struct {
	Type    string     `json:"type"`
	Payload any        `json:"payload,omitempty"`
	AckID   *uint64    `json:"ackId,omitempty"`
	Error   *WireError `json:"error,omitempty"`
}

// ParseEnvelope decodes a frame strictly: unknown fields and trailing data are
// rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrictJSON(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, errors.New("missing type")
	}
	return env, nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 || bytes.Equal(bytes.TrimSpace(env.Payload), []byte("null")) {
		return badMessage("%s: missing payload", env.Type)
	}
	if err := decodeStrictJSON(env.Payload, v); err != nil {
		return badMessage("%s: %v", env.Type, err)
	}
	return nil
}

type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s sdp) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// newOfferPayload accepts the offer under either `newOffer` or `offer`.
type newOfferPayload struct {
	NewOffer     *sdp   `json:"newOffer,omitempty"`
	Offer        *sdp   `json:"offer,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

func (p newOfferPayload) description() (webrtc.SessionDescription, error) {
	wire := p.NewOffer
	if wire == nil {
		wire = p.Offer
	}
	if wire == nil {
		return webrtc.SessionDescription{}, errors.New("missing offer")
	}
	desc, err := wire.ToPion()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("sdp.type must be \"offer\", got %q", wire.Type)
	}
	return desc, nil
}

// newAnswerPayload is the proposal object the answering client received,
// with its answer filled in. Only offererUserName and answer are used.
type newAnswerPayload struct {
	ID                    string      `json:"id,omitempty"`
	OffererUserName       string      `json:"offererUserName"`
	Offer                 *sdp        `json:"offer,omitempty"`
	OfferIceCandidates    []candidate `json:"offerIceCandidates,omitempty"`
	AnswererUserName      *string     `json:"answererUserName,omitempty"`
	Answer                *sdp        `json:"answer"`
	AnswererIceCandidates []candidate `json:"answererIceCandidates,omitempty"`
}

func (p newAnswerPayload) description() (webrtc.SessionDescription, error) {
	if p.OffererUserName == "" {
		return webrtc.SessionDescription{}, errors.New("missing offererUserName")
	}
	if p.Answer == nil {
		return webrtc.SessionDescription{}, errors.New("missing answer")
	}
	desc, err := p.Answer.ToPion()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("sdp.type must be \"answer\", got %q", p.Answer.Type)
	}
	return desc, nil
}

type iceCandidatePayload struct {
	IceCandidate *candidate `json:"iceCandidate"`
	DidIOffer    *bool      `json:"didIOffer"`
	// IceUserName is what the client believes its identity is. The
	// authenticated identity always wins.
	IceUserName string `json:"iceUserName,omitempty"`
}

// sessionStartedPayload carries the budget in milliseconds, as maxDurationMs
// or the older timeToConnect.
type sessionStartedPayload struct {
	MaxDurationMs *int64 `json:"maxDurationMs,omitempty"`
	TimeToConnect *int64 `json:"timeToConnect,omitempty"`
}

// maxBudgetMs is the largest millisecond budget a time.Duration can hold.
const maxBudgetMs = math.MaxInt64 / int64(time.Millisecond)

// budget returns the requested session budget. Zero means none was given and
// the timer's default applies.
func (p sessionStartedPayload) budget() (time.Duration, error) {
	v := p.MaxDurationMs
	if v == nil {
		v = p.TimeToConnect
	}
	switch {
	case v == nil:
		return 0, nil
	case *v < 0:
		return 0, fmt.Errorf("negative session budget %d", *v)
	case *v > maxBudgetMs:
		return 0, fmt.Errorf("session budget %dms out of range", *v)
	}
	return time.Duration(*v) * time.Millisecond, nil
}

type connectedPayload struct {
	DidIOffer bool               `json:"didIOffer"`
	OfferObj  *registry.Proposal `json:"offerObj"`
}

type peerDisconnectedPayload struct {
	UserName string `json:"userName"`
}

type protocolError struct {
	Code    string
	Message string
}

func (e *protocolError) Error() string { return e.Code + ": " + e.Message }

func badMessage(format string, args ...any) error {
	return &protocolError{Code: codeBadMessage, Message: fmt.Sprintf(format, args...)}
}
