package api

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ncavallini/go-chat-server/internal/chat"
	"github.com/ncavallini/go-chat-server/internal/config"
	"github.com/ncavallini/go-chat-server/internal/database"
	"github.com/ncavallini/go-chat-server/internal/stats"
	"github.com/ncavallini/go-chat-server/internal/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSigningSecret = base64.StdEncoding.EncodeToString([]byte("test-signing-key"))

func newTestApp(t *testing.T, db database.ChatRepository) *ChatApp {
	t.Helper()

	cfg, err := config.NewConfig("localhost:0", "", testSigningSecret, []string{"http://localhost:3000"}, true)
	require.NoError(t, err)

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	cs, err := chat.NewChatServer(testutil.TestLogger(t), db, chat.NewRegistry(), su)
	require.NoError(t, err)

	return NewChatApp(http.NewServeMux(), testutil.TestLogger(t), cs, db, cfg)
}

// authedRequest builds a request carrying a fresh session token cookie
// for the given user.
func authedRequest(t *testing.T, app *ChatApp, method, target string, userId int) *http.Request {
	t.Helper()

	token, err := app.createJwtForSession(userId, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(method, target, nil)
	req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: token})
	return req
}
