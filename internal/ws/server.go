// Package ws provides the WebSocket transport for CRM chat clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/JayBon24/CRM-backend-sub001/internal/config"
	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
	"github.com/JayBon24/CRM-backend-sub001/internal/hub"
	"github.com/JayBon24/CRM-backend-sub001/internal/orchestrator"
	"github.com/JayBon24/CRM-backend-sub001/internal/protocol"
	"github.com/JayBon24/CRM-backend-sub001/internal/scope"
	"github.com/JayBon24/CRM-backend-sub001/internal/store"
	"github.com/JayBon24/CRM-backend-sub001/internal/tools"
)

// Authenticator validates a connection token. A failure terminates the
// connection attempt before any message is processed.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// StoreAuthenticator resolves tokens against the user table. The token
// carries the user id; an unknown id is an authentication failure.
type StoreAuthenticator struct {
	Store *store.SQLiteStore
}

// Authenticate implements Authenticator.
func (a *StoreAuthenticator) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, unauthorized("missing token")
	}
	user, err := a.Store.GetUser(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, unauthorized("invalid token")
	}
	return user, nil
}

// unauthorized rejects the connection attempt with the same error code
// the post-upgrade taxonomy uses, so clients can branch on it either
// way.
func unauthorized(message string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusUnauthorized, map[string]string{
		"code":    protocol.ErrorCodeUnauthorized,
		"message": message,
	})
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	svc      *orchestrator.Service
	resolver *scope.Resolver
	tools    *tools.Dispatcher
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, svc *orchestrator.Service, resolver *scope.Resolver, dispatcher *tools.Dispatcher, auth Authenticator, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		hub:      h,
		svc:      svc,
		resolver: resolver,
		tools:    dispatcher,
		auth:     auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

// client is one authenticated connection. Messages are processed
// strictly in arrival order by a single worker so a streaming turn
// finishes before the next message is interpreted.
type client struct {
	conn  *hub.Connection
	user  *domain.User
	scope domain.Scope
	sess  *domain.Session
	inbox chan []byte
}

// HandleWebSocket authenticates, upgrades and runs the connection
// lifecycle. Authentication failures are rejected before the upgrade.
func (s *Server) HandleWebSocket(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		token = strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	}
	user, err := s.auth.Authenticate(c.Request().Context(), token)
	if err != nil {
		return err
	}

	callerScope, err := s.resolver.Resolve(c.Request().Context(), user)
	if err != nil {
		s.logger.Error().Str("user_id", user.UserID).Err(err).Msg("scope resolution failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "scope resolution failed")
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return err
	}

	conn := s.hub.NewConnection(ws)
	conn.UserID = user.UserID
	s.hub.Register(conn)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	cl := &client{
		conn:  conn,
		user:  user,
		scope: callerScope,
		inbox: make(chan []byte, s.cfg.SendQueueSize),
	}

	s.hub.SendJSONToConnection(conn, protocol.ScopeHint{
		BaseMessage: protocol.Base(protocol.TypeScopeHint, "", ""),
		Level:       callerScope.Level,
		TeamID:      callerScope.TeamID,
	})
	s.hub.SendJSONToConnection(conn, protocol.Capabilities{
		BaseMessage: protocol.Base(protocol.TypeCapabilities, "", ""),
		Tools:       s.tools.Names(),
	})

	go s.writePump(conn)
	go s.processLoop(cl)
	go s.readPump(cl)

	return nil
}

// readPump reads frames and queues them for the serial processor.
func (s *Server) readPump(cl *client) {
	conn := cl.conn
	defer func() {
		close(cl.inbox)
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket closed")
			}
			return
		}

		select {
		case cl.inbox <- message:
		default:
			s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "too many in-flight messages")
		}
	}
}

// writePump writes queued frames and keeps the connection alive with
// pings.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processLoop handles queued messages one at a time.
func (s *Server) processLoop(cl *client) {
	for message := range cl.inbox {
		s.handleMessage(cl, message)
	}
}

func (s *Server) handleMessage(cl *client, data []byte) {
	var baseMsg protocol.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(cl.conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EngineTimeout)
	defer cancel()

	if err := s.ensureSession(ctx, cl, baseMsg.SessionID); err != nil {
		if orchestrator.IsForbidden(err) {
			s.sendError(cl.conn, baseMsg.SessionID, protocol.ErrorCodeForbidden, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("session resolution failed")
		s.sendError(cl.conn, baseMsg.SessionID, protocol.ErrorCodeInternalError, "session resolution failed")
		return
	}
	s.hub.Touch(cl.sess.SessionID)

	var err error
	switch baseMsg.Type {
	case protocol.TypeUserMessage:
		var msg protocol.UserMessage
		if err = json.Unmarshal(data, &msg); err == nil {
			err = s.svc.HandleUserMessage(ctx, cl.user, cl.scope, cl.sess, &msg)
		}
	case protocol.TypeSwitchConversation:
		var msg protocol.SwitchConversation
		if err = json.Unmarshal(data, &msg); err == nil {
			err = s.svc.SwitchConversation(ctx, cl.user, cl.sess, msg.ConversationID)
		}
	case protocol.TypeConfirmAction:
		var msg protocol.ConfirmAction
		if err = json.Unmarshal(data, &msg); err == nil {
			err = s.svc.ConfirmAction(ctx, cl.user, cl.scope, cl.sess, &msg)
		}
	case protocol.TypeCancelAction:
		var msg protocol.CancelAction
		if err = json.Unmarshal(data, &msg); err == nil {
			err = s.svc.CancelAction(ctx, cl.user, cl.sess, &msg)
		}
	case protocol.TypeEditPendingAction:
		var msg protocol.EditPendingAction
		if err = json.Unmarshal(data, &msg); err == nil {
			err = s.svc.EditPendingAction(ctx, cl.user, cl.scope, cl.sess, &msg)
		}
	default:
		s.sendError(cl.conn, cl.sess.SessionID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
		return
	}

	if err != nil {
		s.logger.Error().Str("type", baseMsg.Type).Err(err).Msg("message handling failed")
		s.sendError(cl.conn, cl.sess.SessionID, protocol.ErrorCodeInternalError, "internal error")
	}
}

// ensureSession resolves or creates the client's session on first use
// and binds the connection to it for broadcasts.
func (s *Server) ensureSession(ctx context.Context, cl *client, hint string) error {
	if cl.sess != nil && (hint == "" || hint == cl.sess.SessionID) {
		return nil
	}

	sess, created, err := s.svc.ResolveSession(ctx, cl.user, hint)
	if err != nil {
		return err
	}
	cl.sess = sess
	s.hub.BindSession(cl.conn, sess.SessionID)

	if created {
		s.hub.SendJSONToConnection(cl.conn, protocol.SessionCreated{
			BaseMessage: protocol.Base(protocol.TypeSessionCreated, sess.SessionID, sess.ConversationID),
		})
	}
	return nil
}

func (s *Server) sendError(conn *hub.Connection, sessionID, code, message string) {
	s.hub.SendJSONToConnection(conn, protocol.NewError(sessionID, "", code, message, nil))
}
