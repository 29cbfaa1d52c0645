package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"anonstream/internal/core/ports"
	"anonstream/pkg/utils"
	"anonstream/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ViewerTransport is the media side of a viewer session.
type ViewerTransport interface {
	CreateViewerOffer(ctx context.Context, id, addr string) (webrtc.SessionDescription, error)
	HandleViewerAnswer(id string, answer webrtc.SessionDescription) error
	AddICECandidate(id string, candidate webrtc.ICECandidateInit) error
	RemoveViewer(id string)
}

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	OfferTimeout   time.Duration
	AllowedOrigins []string
}

// WebSocketServer exchanges SDP and ICE candidates with viewers.
type WebSocketServer struct {
	transport ViewerTransport
	auth      ports.ViewerAuthService
	upgrader  websocket.Upgrader
	opts      Options

	connections map[string]*websocket.Conn
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

type SignalMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

const (
	MessageWelcome      = "welcome"
	MessageJoin         = "join"
	MessageOffer        = "offer"
	MessageAnswer       = "answer"
	MessageICECandidate = "ice_candidate"
	MessageLeave        = "leave"
	MessageError        = "error"
)

// NewWebSocketServer creates a signalling server. Token checks are skipped
// when auth is nil.
func NewWebSocketServer(transport ViewerTransport, auth ports.ViewerAuthService, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = 10 * time.Second
	}

	s := &WebSocketServer{
		transport:   transport,
		auth:        auth,
		opts:        opts,
		connections: make(map[string]*websocket.Conn),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) authorize(r *http.Request) (string, error) {
	if s.auth == nil {
		return "", nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return "", errors.New("missing viewer token")
	}
	claims, err := s.auth.ValidateToken(r.Context(), token)
	if err != nil {
		return "", err
	}
	return claims.Viewer, nil
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	viewerName, err := s.authorize(r)
	if err != nil {
		s.logger.Infow("viewer rejected", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := utils.GenerateSessionID()
	s.mu.Lock()
	s.connections[sessionID] = conn
	s.mu.Unlock()

	s.logger.Infow("viewer connected via WebSocket",
		"session_id", sessionID,
		"viewer", viewerName,
		"remote_addr", r.RemoteAddr,
	)

	if err := s.send(conn, SignalMessage{Type: MessageWelcome, SessionID: sessionID}); err != nil {
		s.cleanup(sessionID)
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan SignalMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			messageChan <- msg
		}
	}()

	// All writes happen on this goroutine.
	for {
		select {
		case msg := <-messageChan:
			done, err := s.handleMessage(r.Context(), conn, sessionID, r.RemoteAddr, msg)
			if err != nil {
				s.logger.Infow("error handling viewer message", "session_id", sessionID, "type", msg.Type, "error", err)
				s.sendError(conn, err.Error())
			}
			if done {
				s.cleanup(sessionID)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "session_id", sessionID, "error", err)
				s.cleanup(sessionID)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from viewer", "session_id", sessionID, "error", err)
			}
			s.cleanup(sessionID)
			return
		}
	}
}

func (s *WebSocketServer) cleanup(sessionID string) {
	s.mu.Lock()
	delete(s.connections, sessionID)
	s.mu.Unlock()

	s.transport.RemoveViewer(sessionID)
	s.logger.Infow("viewer disconnected", "session_id", sessionID)
}

// handleMessage reports done when the viewer asked to leave.
func (s *WebSocketServer) handleMessage(ctx context.Context, conn *websocket.Conn, sessionID, addr string, msg SignalMessage) (bool, error) {
	if msg.SessionID != "" && validation.ValidateSessionID(msg.SessionID) != nil {
		return false, fmt.Errorf("invalid session_id")
	}
	if msg.SessionID != "" && msg.SessionID != sessionID {
		return false, fmt.Errorf("session_id mismatch: expected %s, got %s", sessionID, msg.SessionID)
	}

	switch msg.Type {
	case MessageJoin:
		return false, s.handleJoin(ctx, conn, sessionID, addr)
	case MessageAnswer:
		return false, s.handleAnswer(sessionID, msg)
	case MessageICECandidate:
		return false, s.handleICECandidate(sessionID, msg)
	case MessageLeave:
		return true, nil
	case "":
		return false, fmt.Errorf("message type is required")
	default:
		return false, fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleJoin(ctx context.Context, conn *websocket.Conn, sessionID, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OfferTimeout)
	defer cancel()

	offer, err := s.transport.CreateViewerOffer(ctx, sessionID, addr)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	payload, err := json.Marshal(SDPPayload{SDP: offer.SDP})
	if err != nil {
		return err
	}
	return s.send(conn, SignalMessage{Type: MessageOffer, SessionID: sessionID, Payload: payload})
}

func (s *WebSocketServer) handleAnswer(sessionID string, msg SignalMessage) error {
	var payload SDPPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid answer payload: %w", err)
	}
	if err := validateSDP(payload.SDP); err != nil {
		return err
	}
	return s.transport.HandleViewerAnswer(sessionID, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  payload.SDP,
	})
}

func (s *WebSocketServer) handleICECandidate(sessionID string, msg SignalMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
		return fmt.Errorf("invalid ice candidate payload: %w", err)
	}
	if candidate.Candidate == "" {
		return fmt.Errorf("ice candidate is required")
	}
	return s.transport.AddICECandidate(sessionID, candidate)
}

func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP is required")
	}
	if len(sdp) > 64*1024 {
		return fmt.Errorf("SDP too large")
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("invalid SDP format")
	}
	return nil
}

func (s *WebSocketServer) send(conn *websocket.Conn, msg SignalMessage) error {
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (s *WebSocketServer) sendError(conn *websocket.Conn, message string) {
	payload, _ := json.Marshal(ErrorPayload{Message: message})
	if err := s.send(conn, SignalMessage{Type: MessageError, Payload: payload}); err != nil {
		s.logger.Debugw("error sending error message", "error", err)
	}
}

// ConnectedSessions returns the ids of open signalling sessions.
func (s *WebSocketServer) ConnectedSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	return ids
}

// Close drops every signalling connection.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.connections {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(s.connections, id)
	}
}
