// Package proxy relays DevTools websocket traffic between API clients and
// the browser inside a session's sandbox
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Sessions looks up the session being debugged
type Sessions interface {
	GetSession(id string) (*models.Session, error)
}

// Server proxies debug connections
type Server struct {
	sessions  Sessions
	sandboxes sandbox.Resolver
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

// NewServer creates a proxy server
func NewServer(sessions Sessions, sandboxes sandbox.Resolver, logger *zap.Logger) *Server {
	return &Server{
		sessions:  sessions,
		sandboxes: sandboxes,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:    logger.Named("proxy"),
	}
}

// Target returns the public DevTools websocket URL of a session's browser
func (s *Server) Target(ctx context.Context, sess *models.Session) (string, error) {
	h := sess.Handle
	if h.WSEndpoint == "" {
		return "", errors.New("browser has no devtools endpoint")
	}
	sb, err := s.sandboxes.Get(ctx, h.SandboxID)
	if err != nil {
		return "", err
	}
	preview, ok := sb.PreviewURL(h.DebugPort)
	if !ok {
		return "", fmt.Errorf("debug port %d: %w", h.DebugPort, sandbox.ErrNoPreview)
	}
	return runtime.PublicWSEndpoint(preview, h.WSEndpoint)
}

// HandleDebugConnection upgrades the request and relays frames in both
// directions until either side closes
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if sess.Status != models.StatusRunning {
		http.Error(w, "Session is not running", http.StatusBadRequest)
		return
	}

	logger := s.logger.With(zap.String("session_id", sessionID))
	target, err := s.Target(r.Context(), sess)
	if err != nil {
		logger.Warn("no debug target", zap.Error(err))
		http.Error(w, "Browser is not reachable", http.StatusBadGateway)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	browserConn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		logger.Warn("failed to connect to browser", zap.String("target", target), zap.Error(err))
		http.Error(w, "Browser is not reachable", http.StatusBadGateway)
		return
	}
	defer browserConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	logger.Info("debug client connected", zap.String("target", target))

	errChan := make(chan error, 2)
	go func() {
		errChan <- relay(clientConn, browserConn)
	}()
	go func() {
		errChan <- relay(browserConn, clientConn)
	}()

	err = <-errChan
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		logger.Warn("debug proxy error", zap.Error(err))
	}
	logger.Info("debug client disconnected")
}

func relay(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text), time.Now().Add(time.Second))
			}
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
