package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

var errPeerClosed = errors.New("signaling connection closed")

type Config struct {
	Controller    *Controller
	Authenticator *auth.Authenticator

	AllowedOrigins []string

	MaxMessageBytes   int64
	MessagesPerSecond int
	// UpgradesPerMinute caps upgrade attempts per client address. Zero
	// disables the cap.
	UpgradesPerMinute int

	IdleTimeout  time.Duration
	PingInterval time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server accepts signaling WebSockets on GET /signal.
//
// The caller authenticates with a token (or userName/role in AUTH_MODE=none)
// on the upgrade URL and names its rendezvous with ?connectionId=.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
	upgrades *ratelimit.Keyed
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("signaling: nil controller")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("signaling: nil authenticator")
	}
	if cfg.MaxMessageBytes <= 0 {
		return nil, errors.New("signaling: MaxMessageBytes must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return nil, errors.New("signaling: IdleTimeout must be > 0")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
	}
	s.upgrades = ratelimit.NewKeyed(ratelimit.Config{
		PerMinute: cfg.UpgradesPerMinute,
		OnEvict: func(key string) {
			logger.Debug("upgrade limiter evicted client", "remote", key)
		},
	})
	return s, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /signal", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.upgrades.Allow(remoteHost(r)) {
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		http.Error(w, "too many signaling connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		s.log.Debug("signaling upgrade failed", "origin", requestOrigin(r), "err", err)
		return
	}

	peer := newWSPeer(conn, s.log.With("conn", uuid.NewString()))
	defer peer.Close()

	id, err := s.cfg.Authenticator.Authenticate(r)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		peer.log.Info("signaling auth failed", "origin", requestOrigin(r), "err", err)
		peer.fail(codeUnauthorized, "invalid or missing credentials", websocket.ClosePolicyViolation, "unauthorized")
		return
	}
	peer.log = peer.log.With("user", id.UserName)

	connectionID := strings.TrimSpace(r.URL.Query().Get("connectionId"))
	participant, err := s.cfg.Controller.Connect(id, connectionID, peer)
	if err != nil {
		if errors.Is(err, directory.ErrRendezvousFull) {
			peer.fail(codeRendezvousFull, "connectionId already has two participants", websocket.ClosePolicyViolation, "rendezvous full")
			return
		}
		peer.log.Error("connect failed", "err", err)
		peer.fail(codeInternalError, "connect failed", websocket.CloseInternalServerErr, "internal error")
		return
	}
	defer participant.Disconnect()

	s.serve(peer, participant)
}

func (s *Server) serve(peer *wsPeer, participant *Participant) {
	conn := peer.conn
	idle := s.cfg.IdleTimeout
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(idle)) }

	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	if s.cfg.PingInterval > 0 {
		go peer.pingLoop(s.cfg.PingInterval)
	}

	limiter := ratelimit.NewPerConnection(s.cfg.MessagesPerSecond)

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if isTimeout(err) {
				peer.log.Info("signaling connection idle, closing")
				peer.closeWith(websocket.CloseGoingAway, "idle timeout")
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				peer.log.Debug("signaling read failed", "err", err)
			}
			return
		}
		extend()

		if !limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.MessagesRateLimited)
			peer.fail(codeRateLimited, "too many messages", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.cfg.Metrics.Inc(metrics.MessagesMalformed)
			peer.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.cfg.Metrics.Inc(metrics.MessagesMalformed)
				peer.closeWith(websocket.CloseMessageTooBig, "message too large")
				return
			}
			peer.closeWith(websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		env, err := ParseEnvelope(msg)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.MessagesMalformed)
			_ = peer.SendError(codeBadMessage, err.Error())
			continue
		}
		if participant.Handle(env) {
			peer.closeWith(websocket.CloseNormalClosure, "bye")
			return
		}
	}
}

// wsPeer is a Transport over one gorilla/websocket connection. Writes are
// serialized; Close is idempotent and unblocks the read loop.
type wsPeer struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSPeer(conn *websocket.Conn, logger *slog.Logger) *wsPeer {
	return &wsPeer{conn: conn, log: logger, closed: make(chan struct{})}
}

func (p *wsPeer) Send(event string, payload any) error {
	return p.writeFrame(outboundFrame{Type: event, Payload: payload})
}

func (p *wsPeer) Reply(ackID uint64, payload any, werr *WireError) error {
	return p.writeFrame(outboundFrame{Type: EventAck, Payload: payload, AckID: &ackID, Error: werr})
}

func (p *wsPeer) SendError(code, message string) error {
	return p.writeFrame(outboundFrame{Type: EventError, Error: &WireError{Code: code, Message: message}})
}

func (p *wsPeer) writeFrame(f outboundFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.closed:
		return errPeerClosed
	default:
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

func (p *wsPeer) Close() error {
	p.closeWith(websocket.CloseNormalClosure, "")
	return nil
}

// fail sends an error frame and closes the connection.
func (p *wsPeer) fail(code, message string, closeCode int, reason string) {
	_ = p.SendError(code, message)
	p.closeWith(closeCode, reason)
}

func (p *wsPeer) closeWith(code int, reason string) {
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		close(p.closed)
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	})
}

func (p *wsPeer) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.log.Debug("signaling ping failed", "err", err)
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
