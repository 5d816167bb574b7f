package grok_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/imagerouter"
	"github.com/ineyio/imagerouter/upstream/grok"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newServer runs script against every accepted connection after reading the
// generate message.
func newServer(t *testing.T, script func(t *testing.T, r *http.Request, conn *websocket.Conn, msg map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		script(t, r, conn, msg)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendImage(conn *websocket.Conn, id, ext string, size int) error {
	return conn.WriteJSON(map[string]string{
		"type": "image",
		"url":  "https://assets.grok.com/users/u/images/" + id + "." + ext,
		"blob": strings.Repeat("A", size),
	})
}

func TestCall_CollectsFinalImages(t *testing.T) {
	srv := newServer(t, func(t *testing.T, r *http.Request, conn *websocket.Conn, msg map[string]any) {
		assert.Equal(t, "sso=secret-1; sso-rw=secret-1", r.Header.Get("Cookie"))
		assert.Equal(t, "conversation.item.create", msg["type"])

		_ = sendImage(conn, "aaaa-1", "png", 1000)
		_ = sendImage(conn, "aaaa-1", "jpg", 120000)
		_ = sendImage(conn, "bbbb-2", "jpg", 120000)
		time.Sleep(200 * time.Millisecond)
	})

	c := grok.New(grok.WithWSURL(wsURL(srv)))
	res, err := c.Call(context.Background(), "secret-1", imagerouter.GenerationRequest{Prompt: "a cat", Count: 2})
	require.NoError(t, err)
	assert.Len(t, res.URLs, 2)
	assert.Len(t, res.B64JSON, 2)
	assert.Contains(t, res.URLs[0], "aaaa-1.jpg")
}

func TestCall_SendsPromptAndAspectRatio(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := newServer(t, func(t *testing.T, _ *http.Request, conn *websocket.Conn, msg map[string]any) {
		got <- msg
		_ = sendImage(conn, "cccc-3", "jpg", 120000)
	})

	c := grok.New(grok.WithWSURL(wsURL(srv)))
	_, err := c.Call(context.Background(), "s", imagerouter.GenerationRequest{Prompt: "a dog", Count: 1, AspectRatio: "16:9"})
	require.NoError(t, err)

	msg := <-got
	raw, _ := json.Marshal(msg)
	assert.Contains(t, string(raw), `"text":"a dog"`)
	assert.Contains(t, string(raw), `"aspect_ratio":"16:9"`)
}

func TestCall_RateLimitFrame(t *testing.T) {
	srv := newServer(t, func(t *testing.T, _ *http.Request, conn *websocket.Conn, _ map[string]any) {
		_ = conn.WriteJSON(map[string]string{"type": "error", "err_code": "rate_limit_exceeded", "err_msg": "slow down"})
		time.Sleep(200 * time.Millisecond)
	})

	c := grok.New(grok.WithWSURL(wsURL(srv)))
	_, err := c.Call(context.Background(), "s", imagerouter.GenerationRequest{Prompt: "x", Count: 1})
	require.Error(t, err)
	assert.Equal(t, imagerouter.KindRateLimited, imagerouter.DefaultClassifier().Classify(err))
}

func TestCall_HandshakeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := grok.New(grok.WithWSURL(wsURL(srv)))
	_, err := c.Call(context.Background(), "s", imagerouter.GenerationRequest{Prompt: "x"})
	var ue *imagerouter.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusUnauthorized, ue.StatusCode)
	assert.Equal(t, imagerouter.KindInvalid, imagerouter.DefaultClassifier().Classify(err))
}

func TestCall_Blocked(t *testing.T) {
	srv := newServer(t, func(t *testing.T, _ *http.Request, conn *websocket.Conn, _ map[string]any) {
		_ = sendImage(conn, "dddd-4", "png", 50000)
		time.Sleep(time.Second)
	})

	c := grok.New(grok.WithWSURL(wsURL(srv)), grok.WithBlockedAfter(100*time.Millisecond))
	_, err := c.Call(context.Background(), "s", imagerouter.GenerationRequest{Prompt: "x", Count: 1})
	require.Error(t, err)
	assert.True(t, grok.IsBlocked(err))
	assert.Equal(t, imagerouter.KindOtherTransient, imagerouter.DefaultClassifier().Classify(err))
}

func TestCall_ContextCancelled(t *testing.T) {
	srv := newServer(t, func(t *testing.T, _ *http.Request, _ *websocket.Conn, _ map[string]any) {
		time.Sleep(time.Second)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := grok.New(grok.WithWSURL(wsURL(srv)))
	_, err := c.Call(ctx, "s", imagerouter.GenerationRequest{Prompt: "x", Count: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall_ClosedWithoutImages(t *testing.T) {
	srv := newServer(t, func(t *testing.T, _ *http.Request, _ *websocket.Conn, _ map[string]any) {})

	c := grok.New(grok.WithWSURL(wsURL(srv)))
	_, err := c.Call(context.Background(), "s", imagerouter.GenerationRequest{Prompt: "x", Count: 1})
	var ue *imagerouter.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Contains(t, ue.Message, "no image data")
}

func TestVerifyAge(t *testing.T) {
	var gotCookie string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotCookie = r.Header.Get("Cookie")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := grok.New(grok.WithBirthDateURL(srv.URL), grok.WithCFClearance("cf-1"))
	require.NoError(t, c.VerifyAge(context.Background(), "secret-1"))
	assert.Equal(t, "sso=secret-1; sso-rw=secret-1; cf_clearance=cf-1", gotCookie)
	assert.Equal(t, "2001-01-01T16:00:00.000Z", gotBody["birthDate"])
}

func TestVerifyAge_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "challenge", http.StatusForbidden)
	}))
	defer srv.Close()

	c := grok.New(grok.WithBirthDateURL(srv.URL))
	err := c.VerifyAge(context.Background(), "s")
	var ue *imagerouter.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusForbidden, ue.StatusCode)
	assert.Contains(t, ue.Message, "challenge")
}
