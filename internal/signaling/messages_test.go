package signaling

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"newOffer","payload":{"newOffer":{"type":"offer","sdp":"v=0"}},"ackId":7}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Type != eventNewOffer {
		t.Fatalf("type=%q, want %q", env.Type, eventNewOffer)
	}
	if env.AckID == nil || *env.AckID != 7 {
		t.Fatalf("ackId=%v, want 7", env.AckID)
	}
}

func TestParseEnvelope_Rejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"not json", `nope`},
		{"missing type", `{"payload":{}}`},
		{"unknown field", `{"type":"leave","extra":1}`},
		{"trailing data", `{"type":"leave"} {"type":"leave"}`},
		{"negative ack", `{"type":"leave","ackId":-1}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodePayload_MissingOrNull(t *testing.T) {
	for _, raw := range []string{``, `null`, ` null `} {
		var v newOfferPayload
		err := decodePayload(Envelope{Type: eventNewOffer, Payload: []byte(raw)}, &v)
		var perr *protocolError
		if !errors.As(err, &perr) || perr.Code != codeBadMessage {
			t.Fatalf("payload %q: err=%v, want bad_message", raw, err)
		}
	}
}

func TestDecodePayload_UnknownFieldIsBadMessage(t *testing.T) {
	var v iceCandidatePayload
	err := decodePayload(Envelope{Type: eventSendIceCandidate, Payload: []byte(`{"iceCandidate":{"candidate":"x"},"didIOffer":true,"bogus":1}`)}, &v)
	if errorCode(err) != codeBadMessage {
		t.Fatalf("err=%v, want bad_message", err)
	}
}

func TestNewOfferPayload_Description(t *testing.T) {
	for _, tc := range []struct {
		name    string
		payload newOfferPayload
		wantErr string
	}{
		{"newOffer field", newOfferPayload{NewOffer: &sdp{Type: "offer", SDP: "v=0"}}, ""},
		{"offer field", newOfferPayload{Offer: &sdp{Type: "offer", SDP: "v=0"}}, ""},
		{"missing", newOfferPayload{}, "missing offer"},
		{"answer type", newOfferPayload{NewOffer: &sdp{Type: "answer", SDP: "v=0"}}, "must be"},
		{"bad type", newOfferPayload{NewOffer: &sdp{Type: "pranswer", SDP: "v=0"}}, "unsupported"},
		{"empty sdp", newOfferPayload{NewOffer: &sdp{Type: "offer"}}, "empty sdp"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			desc, err := tc.payload.description()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("description: %v", err)
				}
				if desc.Type != webrtc.SDPTypeOffer || desc.SDP != "v=0" {
					t.Fatalf("desc=%+v", desc)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestNewAnswerPayload_Description(t *testing.T) {
	if _, err := (newAnswerPayload{Answer: &sdp{Type: "answer", SDP: "v=0"}}).description(); err == nil {
		t.Fatalf("expected error for missing offererUserName")
	}
	if _, err := (newAnswerPayload{OffererUserName: "alice"}).description(); err == nil {
		t.Fatalf("expected error for missing answer")
	}
	if _, err := (newAnswerPayload{OffererUserName: "alice", Answer: &sdp{Type: "offer", SDP: "v=0"}}).description(); err == nil {
		t.Fatalf("expected error for offer-typed answer")
	}
	desc, err := (newAnswerPayload{OffererUserName: "alice", Answer: &sdp{Type: "answer", SDP: "v=0"}}).description()
	if err != nil || desc.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("desc=%+v err=%v", desc, err)
	}
}

func TestSessionStartedPayload_Budget(t *testing.T) {
	ms := func(v int64) *int64 { return &v }

	for _, tc := range []struct {
		name    string
		payload sessionStartedPayload
		want    time.Duration
		wantErr bool
	}{
		{"none", sessionStartedPayload{}, 0, false},
		{"zero", sessionStartedPayload{MaxDurationMs: ms(0)}, 0, false},
		{"maxDurationMs", sessionStartedPayload{MaxDurationMs: ms(2000)}, 2 * time.Second, false},
		{"timeToConnect", sessionStartedPayload{TimeToConnect: ms(1500)}, 1500 * time.Millisecond, false},
		{"maxDurationMs wins", sessionStartedPayload{MaxDurationMs: ms(10), TimeToConnect: ms(20)}, 10 * time.Millisecond, false},
		{"negative", sessionStartedPayload{MaxDurationMs: ms(-1)}, 0, true},
		{"largest", sessionStartedPayload{MaxDurationMs: ms(maxBudgetMs)}, time.Duration(maxBudgetMs) * time.Millisecond, false},
		{"overflows duration", sessionStartedPayload{MaxDurationMs: ms(9223372036855)}, 0, true},
		{"wraps to tiny", sessionStartedPayload{MaxDurationMs: ms(9223372036854775)}, 0, true},
		{"max int64", sessionStartedPayload{TimeToConnect: ms(math.MaxInt64)}, 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.payload.budget()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("budget=%v, want %v", got, tc.want)
			}
			if got < 0 {
				t.Fatalf("negative budget %v", got)
			}
		})
	}
}

func TestCandidateToPion(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	c := candidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	got := c.ToPion()
	if got.Candidate != c.Candidate || got.SDPMid == nil || *got.SDPMid != "0" || got.SDPMLineIndex == nil {
		t.Fatalf("ToPion()=%+v", got)
	}
}
