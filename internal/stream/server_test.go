package stream

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xtrntr/cryptodesk/internal/auth"
	"github.com/xtrntr/cryptodesk/internal/db"
	"github.com/xtrntr/cryptodesk/internal/models"
	"github.com/xtrntr/cryptodesk/internal/prices"
	"github.com/xtrntr/cryptodesk/internal/settlement"
)

type testEnv struct {
	store  *db.SQLite
	auth   *auth.AuthService
	feed   *prices.SimulatedFeed
	stream *Server
	engine *settlement.Engine
	http   *httptest.Server
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store, err := db.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	authSvc := auth.NewAuthService(store, "test-secret", time.Hour, decimal.NewFromInt(1000))
	feed := prices.NewSimulatedFeed(map[string]prices.Anchor{
		"Bitcoin":  {Base: decimal.NewFromInt(51000)},
		"Ethereum": {Base: decimal.NewFromInt(3100)},
	}, rand.New(rand.NewPCG(1, 2)))

	log := zap.NewNop()
	srv := NewServer(authSvc, store, feed, nil, log, cfg)
	engine := settlement.NewEngine(store, settlement.DefaultPolicy, log, settlement.WithNotifier(srv))
	hs := httptest.NewServer(srv)

	t.Cleanup(func() {
		srv.Close()
		hs.Close()
		store.Close()
	})
	return &testEnv{store: store, auth: authSvc, feed: feed, stream: srv, engine: engine, http: hs}
}

func (e *testEnv) register(t *testing.T, name string) (uuid.UUID, string) {
	t.Helper()
	user, err := e.auth.Register(context.Background(), name, "password123")
	require.NoError(t, err)
	token, err := e.auth.IssueToken(user.ID)
	require.NoError(t, err)
	return user.ID, token
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials with token and consumes the auth_success and initial pnl_update
func (e *testEnv) connect(t *testing.T, token string) (*websocket.Conn, Envelope) {
	t.Helper()
	conn := e.dial(t, "?token="+token)
	assert.Equal(t, TypeAuthSuccess, readFrame(t, conn).Type)
	initial := readFrame(t, conn)
	require.Equal(t, TypePnLUpdate, initial.Type)
	return conn, initial
}

func readFrame(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection was not closed")
		}
		return
	}
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (e *testEnv) buy(t *testing.T, userID uuid.UUID, currency, amount, ref string) *settlement.Result {
	t.Helper()
	res, err := e.engine.Buy(context.Background(), userID, settlement.BuyRequest{
		Currency:       currency,
		FiatAmount:     decimal.RequireFromString(amount),
		ReferencePrice: decimal.RequireFromString(ref),
	})
	require.NoError(t, err)
	return res
}

func TestServer_AuthFailures(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	ghost, err := env.auth.IssueToken(uuid.New())
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
	}{
		{name: "NoToken", query: ""},
		{name: "GarbageToken", query: "?token=not-a-token"},
		{name: "RawUserID", query: "?token=" + uuid.NewString()},
		{name: "UnknownUser", query: "?token=" + ghost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dial(t, tt.query)
			frame := readFrame(t, conn)
			assert.Equal(t, TypeAuthFailed, frame.Type)
			assert.NotEmpty(t, frame.Message)
			expectClosed(t, conn)
		})
	}
	assert.Equal(t, 0, env.stream.Registry().Len())
}

func TestServer_BearerHeader(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	_, token := env.register(t, "alice")

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, TypeAuthSuccess, readFrame(t, conn).Type)
}

func TestServer_InitialSnapshot(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	userID, token := env.register(t, "alice")
	res := env.buy(t, userID, "Bitcoin", "250", "50000")

	_, initial := env.connect(t, token)
	require.Len(t, initial.Data, 1)

	p := initial.Data[0]
	assert.Equal(t, res.Lot.ID, p.ID)
	assert.Equal(t, "Bitcoin", p.Currency)
	assert.True(t, p.PurchasePrice.Equal(decimal.NewFromInt(49000)), "entry %s", p.PurchasePrice)
	assert.True(t, p.CurrentPrice.Equal(decimal.NewFromInt(51000)), "current %s", p.CurrentPrice)
	assert.True(t, p.Quantity.Equal(res.Quantity), "quantity is derived from the buy amount")
	assert.Equal(t, "10.20", p.PnL.StringFixed(2))
	assert.Equal(t, "4.08", p.PnLPercentage.StringFixed(2))
}

func TestServer_EmptyPortfolio(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	_, token := env.register(t, "alice")

	_, initial := env.connect(t, token)
	assert.NotNil(t, initial.Data)
	assert.Empty(t, initial.Data)
}

func TestServer_RequestPnLUpdate(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, RequestRate: 0.001, RequestBurst: 1})
	userID, token := env.register(t, "alice")
	conn, _ := env.connect(t, token)

	env.buy(t, userID, "Ethereum", "100", "3000")
	// the buy notification races with the request below; drain it first
	pushed := readFrame(t, conn)
	require.Equal(t, TypePnLUpdate, pushed.Type)
	assert.Len(t, pushed.Data, 1)

	send(t, conn, `{"type":"request_pnl_update"}`)
	update := readFrame(t, conn)
	assert.Equal(t, TypePnLUpdate, update.Type)
	assert.Len(t, update.Data, 1)

	send(t, conn, `{"type":"request_pnl_update"}`)
	limited := readFrame(t, conn)
	assert.Equal(t, TypeError, limited.Type, "second request within the window is rate limited")
}

func TestServer_UnknownTypeKeepsConnection(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, RequestRate: 100, RequestBurst: 10})
	_, token := env.register(t, "alice")
	conn, _ := env.connect(t, token)

	send(t, conn, `{"type":"subscribe"}`)
	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Contains(t, frame.Message, "unknown message type")

	send(t, conn, `{"type":"request_pnl_update"}`)
	assert.Equal(t, TypePnLUpdate, readFrame(t, conn).Type)
}

func TestServer_MalformedFrameCloses(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	_, token := env.register(t, "alice")
	conn, _ := env.connect(t, token)

	send(t, conn, `definitely not json`)
	assert.Equal(t, TypeError, readFrame(t, conn).Type)
	expectClosed(t, conn)

	require.Eventually(t, func() bool { return env.stream.Registry().Len() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServer_SecondConnectionSupersedes(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, RequestRate: 100, RequestBurst: 10})
	userID, token := env.register(t, "alice")

	first, _ := env.connect(t, token)
	second, _ := env.connect(t, token)

	expectClosed(t, first)

	// the first session's teardown must not evict the second
	time.Sleep(50 * time.Millisecond)
	sess, ok := env.stream.Registry().Lookup(userID)
	require.True(t, ok)
	assert.Equal(t, StateAuthenticated, sess.State())
	assert.Equal(t, 1, env.stream.Registry().Len())

	send(t, second, `{"type":"request_pnl_update"}`)
	assert.Equal(t, TypePnLUpdate, readFrame(t, second).Type)
}

func TestServer_BroadcastReachesEverySession(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	alice, aliceToken := env.register(t, "alice")
	_, bobToken := env.register(t, "bob")
	env.buy(t, alice, "Bitcoin", "100", "50000")

	aliceConn, _ := env.connect(t, aliceToken)
	bobConn, _ := env.connect(t, bobToken)

	env.stream.Broadcast(context.Background())

	a := readFrame(t, aliceConn)
	assert.Equal(t, TypePnLUpdate, a.Type)
	assert.Len(t, a.Data, 1)

	b := readFrame(t, bobConn)
	assert.Equal(t, TypePnLUpdate, b.Type)
	assert.Empty(t, b.Data)
}

func TestServer_BroadcastSurvivesDeadSession(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	_, aliceToken := env.register(t, "alice")
	_, bobToken := env.register(t, "bob")

	aliceConn, _ := env.connect(t, aliceToken)
	bobConn, _ := env.connect(t, bobToken)

	// alice vanishes without a close handshake
	require.NoError(t, aliceConn.UnderlyingConn().Close())

	env.stream.Broadcast(context.Background())
	assert.Equal(t, TypePnLUpdate, readFrame(t, bobConn).Type)

	require.Eventually(t, func() bool { return env.stream.Registry().Len() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestServer_RunTicks(t *testing.T) {
	env := newTestEnv(t, Config{Interval: 20 * time.Millisecond})
	_, token := env.register(t, "alice")
	conn, _ := env.connect(t, token)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.stream.Run(ctx)

	for i := 0; i < 3; i++ {
		assert.Equal(t, TypePnLUpdate, readFrame(t, conn).Type)
	}
}

func TestServer_SellPushesUpdate(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	userID, token := env.register(t, "alice")
	res := env.buy(t, userID, "Bitcoin", "250", "50000")

	conn, initial := env.connect(t, token)
	require.Len(t, initial.Data, 1)

	_, err := env.engine.Sell(context.Background(), userID, settlement.SellRequest{
		LotID:          res.Lot.ID,
		ReferencePrice: decimal.NewFromInt(51000),
	})
	require.NoError(t, err)

	update := readFrame(t, conn)
	assert.Equal(t, TypePnLUpdate, update.Type)
	assert.Empty(t, update.Data, "sold lot no longer streamed")
}

type failingLedger struct {
	Ledger
}

func (failingLedger) OpenHoldings(context.Context, uuid.UUID) ([]models.Holding, error) {
	return nil, errors.New("connection reset")
}

func TestServer_LedgerFailureSendsError(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	_, token := env.register(t, "alice")

	srv := NewServer(env.auth, failingLedger{Ledger: env.store}, env.feed, nil, zap.NewNop(), Config{Interval: time.Hour})
	hs := httptest.NewServer(srv)
	defer hs.Close()
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, TypeAuthSuccess, readFrame(t, conn).Type)
	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, "Failed to fetch P&L data.", frame.Message)
	assert.Equal(t, 1, srv.Registry().Len(), "session stays open")
}

func TestServer_CloseRejectsNewConnections(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	_, token := env.register(t, "alice")
	conn, _ := env.connect(t, token)

	env.stream.Close()
	expectClosed(t, conn)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// hookRegistry runs before or after each Register on the wrapped registry
type hookRegistry struct {
	Registry
	before func(userID uuid.UUID)
	after  func(userID uuid.UUID)
}

func (r *hookRegistry) Register(userID uuid.UUID, s *Session) *Session {
	if r.before != nil {
		r.before(userID)
	}
	previous := r.Registry.Register(userID, s)
	if r.after != nil {
		r.after(userID)
	}
	return previous
}

func dialServer(t *testing.T, srv *Server, token string) *websocket.Conn {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_AuthSuccessPrecedesPushes(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	userID, token := env.register(t, "alice")
	env.buy(t, userID, "Bitcoin", "100", "50000")

	reg := &hookRegistry{Registry: NewRegistry()}
	srv := NewServer(env.auth, env.store, env.feed, reg, zap.NewNop(), Config{Interval: time.Hour})
	t.Cleanup(srv.Close)
	reg.after = func(userID uuid.UUID) {
		// a holdings change landing right as the session becomes reachable
		srv.HoldingsChanged(userID)
		time.Sleep(200 * time.Millisecond)
	}

	conn := dialServer(t, srv, token)
	assert.Equal(t, TypeAuthSuccess, readFrame(t, conn).Type)
	assert.Equal(t, TypePnLUpdate, readFrame(t, conn).Type)
	assert.Equal(t, TypePnLUpdate, readFrame(t, conn).Type)
}

func TestServer_AuthenticatedDuringCloseIsDropped(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	_, token := env.register(t, "alice")

	reg := &hookRegistry{Registry: NewRegistry()}
	srv := NewServer(env.auth, env.store, env.feed, reg, zap.NewNop(), Config{Interval: time.Hour})
	// Close runs after the closed check passed but before the session is registered
	reg.before = func(uuid.UUID) { srv.Close() }

	conn := dialServer(t, srv, token)
	assert.Equal(t, TypeAuthSuccess, readFrame(t, conn).Type)
	expectClosed(t, conn)
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_DefaultRequestBudget(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	_, token := env.register(t, "alice")
	conn, _ := env.connect(t, token)

	// a client refreshing a few times in quick succession is served every time
	for i := 0; i < 3; i++ {
		send(t, conn, `{"type":"request_pnl_update"}`)
		assert.Equal(t, TypePnLUpdate, readFrame(t, conn).Type, "request %d", i+1)
	}
	send(t, conn, `{"type":"request_pnl_update"}`)
	assert.Equal(t, TypeError, readFrame(t, conn).Type)
}
