// Package stream serves live profit/loss snapshots over WebSocket. Each
// connection authenticates with a session token, is registered under its
// user, and receives a full pnl_update on connect, on every broadcast tick,
// on request, and whenever the user's holdings change.
package stream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xtrntr/cryptodesk/internal/models"
	"github.com/xtrntr/cryptodesk/internal/pnl"
	"github.com/xtrntr/cryptodesk/internal/prices"
)

// Authenticator resolves a session token to a user id
type Authenticator interface {
	UserFromToken(token string) (uuid.UUID, error)
}

// Ledger is the read side of the ledger the stream needs
type Ledger interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	OpenHoldings(ctx context.Context, userID uuid.UUID) ([]models.Holding, error)
}

// Config tunes the stream server. Zero values fall back to the defaults.
type Config struct {
	// Interval between scheduled broadcasts
	Interval     time.Duration
	WriteTimeout time.Duration
	// PongTimeout is how long a silent client is kept; pings go out at 9/10 of it.
	PongTimeout time.Duration
	// RequestRate and RequestBurst bound request_pnl_update per connection.
	RequestRate    float64
	RequestBurst   int
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.RequestRate <= 0 {
		c.RequestRate = 1
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = 3
	}
	return c
}

const maxClientFrame = 4096

// Server accepts streaming connections and pushes P&L snapshots to them
type Server struct {
	auth     Authenticator
	ledger   Ledger
	feed     prices.Feed
	registry Registry
	log      *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader

	// ctx outlives individual requests; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewServer wires a stream server. registry may be nil for a fresh in-process one.
func NewServer(auth Authenticator, ledger Ledger, feed prices.Feed, registry Registry, log *zap.Logger, cfg Config) *Server {
	if registry == nil {
		registry = NewRegistry()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		auth:     auth,
		ledger:   ledger,
		feed:     feed,
		registry: registry,
		log:      log,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Registry exposes the live session registry
func (s *Server) Registry() Registry {
	return s.registry
}

// ServeHTTP upgrades the request and runs the connection until it closes
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, `{"error": "server shutting down"}`, http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RequestRate), s.cfg.RequestBurst)
	sess := newSession(conn, s.cfg.WriteTimeout, limiter)
	defer sess.Close()

	userID, ok := s.authenticate(sess, tokenFrom(r))
	if !ok {
		return
	}
	defer func() {
		if s.registry.Remove(userID, sess) {
			s.log.Info("client disconnected", zap.Stringer("user_id", userID))
		}
	}()

	s.readLoop(sess)
}

// authenticate runs the handshake. On failure the client gets auth_failed and
// the caller closes the connection.
func (s *Server) authenticate(sess *Session, token string) (uuid.UUID, bool) {
	sess.setState(StateAuthenticating)

	if token == "" {
		s.log.Info("authentication failed: no token")
		_ = sess.Send(AuthFailed("Authentication token required."))
		return uuid.Nil, false
	}
	userID, err := s.auth.UserFromToken(token)
	if err != nil {
		s.log.Info("authentication failed: invalid token", zap.Error(err))
		_ = sess.Send(AuthFailed("Authentication failed."))
		return uuid.Nil, false
	}
	if _, err := s.ledger.GetUser(s.ctx, userID); err != nil {
		s.log.Info("authentication failed: unknown user", zap.Stringer("user_id", userID), zap.Error(err))
		_ = sess.Send(AuthFailed("Authentication failed."))
		return uuid.Nil, false
	}

	sess.userID = userID
	sess.setState(StateAuthenticated)

	// auth_success goes out before the session is reachable by pushes
	if err := sess.Send(AuthSuccess()); err != nil {
		return uuid.Nil, false
	}
	if previous := s.registry.Register(userID, sess); previous != nil {
		s.log.Info("replacing existing session", zap.Stringer("user_id", userID))
		previous.Close()
	}
	if s.ctx.Err() != nil {
		// Close may have snapshotted the registry before Register
		s.registry.Remove(userID, sess)
		return uuid.Nil, false
	}
	s.log.Info("client authenticated", zap.Stringer("user_id", userID))

	_ = s.Push(s.ctx, sess)
	return userID, true
}

func (s *Server) readLoop(sess *Session) {
	conn := sess.conn
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	go s.keepAlive(sess)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", zap.Stringer("user_id", sess.userID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		msg, err := ParseClientMessage(data)
		switch {
		case errors.Is(err, ErrUnknownType):
			_ = sess.Send(ErrorFrame(err.Error()))
			continue
		case err != nil:
			s.log.Info("protocol error, closing", zap.Stringer("user_id", sess.userID), zap.Error(err))
			_ = sess.Send(ErrorFrame(err.Error()))
			return
		}

		switch msg.Type {
		case TypeRequestPnLUpdate:
			if !sess.limiter.Allow() {
				_ = sess.Send(ErrorFrame("Too many P&L requests, slow down."))
				continue
			}
			_ = s.Push(s.ctx, sess)
		}
	}
}

func (s *Server) keepAlive(sess *Session) {
	ticker := time.NewTicker(s.cfg.PongTimeout * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				sess.Close()
				return
			}
		}
	}
}

// Push computes the session user's P&L from their open lots and current
// prices and sends it. A ledger failure is reported to the client as an
// error frame; the session stays open.
func (s *Server) Push(ctx context.Context, sess *Session) error {
	userID := sess.UserID()
	holdings, err := s.ledger.OpenHoldings(ctx, userID)
	if err != nil {
		s.log.Warn("failed to fetch holdings", zap.Stringer("user_id", userID), zap.Error(err))
		return s.send(sess, ErrorFrame("Failed to fetch P&L data."))
	}

	positions, err := pnl.Compute(holdings, s.feed.PriceOf)
	if err != nil {
		s.log.Error("holdings failed integrity checks", zap.Stringer("user_id", userID), zap.Error(err))
	}
	return s.send(sess, PnLUpdate(positions))
}

// send closes the session when the write fails; its read loop then unregisters it
func (s *Server) send(sess *Session, f Frame) error {
	if err := sess.Send(f); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			s.log.Debug("write failed, closing session", zap.Stringer("user_id", sess.UserID()), zap.Error(err))
		}
		sess.Close()
		return err
	}
	return nil
}

// Broadcast refreshes the price feed and pushes to every registered session
// concurrently. One session failing does not affect the others.
func (s *Server) Broadcast(ctx context.Context) {
	s.feed.Refresh()

	sessions := s.registry.Snapshot()
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			_ = s.Push(ctx, sess)
		}(sess)
	}
	wg.Wait()
}

// Run broadcasts on every interval until ctx is done or the server is closed.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Broadcast(ctx)
		}
	}
}

// HoldingsChanged pushes a fresh snapshot to the user's live session, if any.
func (s *Server) HoldingsChanged(userID uuid.UUID) {
	sess, ok := s.registry.Lookup(userID)
	if !ok {
		return
	}
	go func() {
		_ = s.Push(s.ctx, sess)
	}()
}

// Close stops accepting connections and closes every live session without
// draining pending pushes.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	for _, sess := range s.registry.Snapshot() {
		sess.Close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// tokenFrom reads the session token from ?token= or an Authorization bearer header
func tokenFrom(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}
