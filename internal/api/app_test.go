package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/kaichat/internal/auth"
	"github.com/npezzotti/kaichat/internal/config"
	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/server"
	"github.com/npezzotti/kaichat/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSigningKey = []byte("test-signing-key")

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) RequestCode(ctx context.Context, phone string) error {
	args := m.Called(phone)
	return args.Error(0)
}

func (m *mockVerifier) CheckCode(ctx context.Context, phone, code string) (bool, error) {
	args := m.Called(phone, code)
	return args.Bool(0), args.Error(1)
}

// newTestApp builds an App around a running ChatServer. Connection pumps can
// outlive the test, so nothing here logs through t.
func newTestApp(t *testing.T, db database.ChatRepository, verifier auth.Verifier) *App {
	t.Helper()

	logger := zap.NewNop().Sugar()
	cs, err := server.NewChatServer(logger, db, stats.NopStats{}, server.Options{
		EventRate:  1000,
		EventBurst: 1000,
	})
	require.NoError(t, err)
	go cs.Run()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx))
	})

	return NewApp(
		http.NewServeMux(),
		logger,
		cs,
		db,
		auth.NewTokenIssuer(testSigningKey, time.Hour),
		verifier,
		&config.Config{
			ServerAddr:     "localhost:8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	)
}

func TestNewApp(t *testing.T) {
	db := database.NewMemoryChatRepository()
	verifier := &mockVerifier{}

	app := newTestApp(t, db, verifier)

	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.NotNil(t, app.cs, "expected chat server to be set")
	assert.NotNil(t, app.authn, "expected authenticator to be set")
	assert.Equal(t, db, app.db, "expected db to be set")
	assert.Equal(t, verifier, app.verifier, "expected verifier to be set")
	assert.Equal(t, "localhost:8080", app.srv.Addr, "expected server address to match config")
}

func TestApp_checkOrigin(t *testing.T) {
	app := newTestApp(t, database.NewMemoryChatRepository(), &mockVerifier{})

	tcases := []struct {
		name     string
		origin   string
		expected bool
	}{
		{name: "no origin", origin: "", expected: true},
		{name: "allowed origin", origin: "http://localhost:3000", expected: true},
		{name: "unknown origin", origin: "http://evil.example.com", expected: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.expected, app.checkOrigin(req))
		})
	}
}

func TestApp_CORSPreflight(t *testing.T) {
	app := newTestApp(t, database.NewMemoryChatRepository(), &mockVerifier{})

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/code", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()

	app.srv.Handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}
