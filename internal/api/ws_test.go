package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quistapp/keygate/internal/capture"
	"github.com/quistapp/keygate/internal/license"
	"github.com/quistapp/keygate/internal/model"
	"github.com/quistapp/keygate/internal/relay"
)

func startWSServer(t *testing.T, env *testEnv) string {
	t.Helper()
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialWS(t *testing.T, base, key, role string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	if key != "" {
		q.Set("key", key)
	}
	if role != "" {
		q.Set("role", role)
	}
	conn, _, err := websocket.DefaultDialer.Dial(base+"?"+q.Encode(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return out
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close %d, got %v", code, err)
		}
		if ce.Code != code {
			t.Fatalf("expected close %d, got %d", code, ce.Code)
		}
		return
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWS_MissingParamsClosed(t *testing.T) {
	base := startWSServer(t, newTestEnv(t))

	expectClose(t, dialWS(t, base, "", "observer"), relay.CloseMissingParams)
	expectClose(t, dialWS(t, base, "QUIST-AAAA-AAAA-AAAA", ""), relay.CloseMissingParams)
	expectClose(t, dialWS(t, base, "QUIST-AAAA-AAAA-AAAA", "admin"), relay.CloseMissingParams)
}

func TestWS_UnusableKeyClosed(t *testing.T) {
	env := newTestEnv(t)
	env.licenses.checkUsableFn = func(context.Context, string) (*model.License, error) {
		return nil, &license.DenialError{Reason: license.ReasonExpired}
	}
	base := startWSServer(t, env)

	expectClose(t, dialWS(t, base, "QUIST-AAAA-AAAA-AAAA", "privileged"), relay.CloseInvalidKey)
}

func TestWS_RelayBetweenRoles(t *testing.T) {
	env := newTestEnv(t)
	base := startWSServer(t, env)
	const key = "QUIST-AAAA-AAAA-AAAA"

	obs := dialWS(t, base, key, "observer")
	if msg := readJSON(t, obs); msg["type"] != "status" || msg["online"] != false {
		t.Fatalf("expected offline status, got %v", msg)
	}

	priv := dialWS(t, base, strings.ToLower(key), "privileged")
	if msg := readJSON(t, obs); msg["type"] != "status" || msg["online"] != true {
		t.Fatalf("expected online status, got %v", msg)
	}

	sendJSON(t, obs, map[string]any{"type": "toggle", "feature": "esp"})
	if msg := readJSON(t, priv); msg["type"] != "toggle" || msg["feature"] != "esp" {
		t.Fatalf("privileged got %v", msg)
	}

	sendJSON(t, priv, map[string]any{"type": "state", "fps": 144})
	if msg := readJSON(t, obs); msg["type"] != "state" || msg["fps"] != float64(144) {
		t.Fatalf("observer got %v", msg)
	}

	_ = priv.Close()
	if msg := readJSON(t, obs); msg["type"] != "status" || msg["online"] != false {
		t.Fatalf("expected offline status after disconnect, got %v", msg)
	}
}

func TestWS_CaptureResultIsIntercepted(t *testing.T) {
	env := newTestEnv(t)
	base := startWSServer(t, env)
	const key = "QUIST-AAAA-AAAA-AAAA"

	obs := dialWS(t, base, key, "observer")
	readJSON(t, obs)
	priv := dialWS(t, base, key, "privileged")
	readJSON(t, obs)

	waitFor(t, func() bool { return env.hub.Online(key) })
	env.capture.Start(key, "aim")
	if msg := readJSON(t, priv); msg["type"] != capture.MsgStart || msg["target"] != "aim" {
		t.Fatalf("expected keybind_start, got %v", msg)
	}

	sendJSON(t, priv, map[string]any{"type": capture.MsgCaptured, "vk": 70, "name": "F"})
	sendJSON(t, priv, map[string]any{"type": "state", "after": true})

	// The capture result is consumed; the observer's next frame is the later state.
	if msg := readJSON(t, obs); msg["type"] != "state" {
		t.Fatalf("capture result leaked to observer: %v", msg)
	}
	res := env.capture.Poll(key)
	if res.Status != capture.StatusCaptured || res.VK != 70 || res.Name != "F" || res.Target != "aim" {
		t.Fatalf("unexpected capture result: %+v", res)
	}
}

func TestWS_SecondPrivilegedReplacesFirst(t *testing.T) {
	env := newTestEnv(t)
	base := startWSServer(t, env)
	const key = "QUIST-AAAA-AAAA-AAAA"

	obs := dialWS(t, base, key, "observer")
	readJSON(t, obs)
	first := dialWS(t, base, key, "privileged")
	readJSON(t, obs)

	second := dialWS(t, base, key, "privileged")
	expectClose(t, first, relay.CloseReplaced)
	if msg := readJSON(t, obs); msg["type"] != "status" || msg["online"] != true {
		t.Fatalf("expected online status for replacement, got %v", msg)
	}

	sendJSON(t, obs, map[string]any{"type": "ping"})
	if msg := readJSON(t, second); msg["type"] != "ping" {
		t.Fatalf("replacement did not receive relay: %v", msg)
	}
	if c := env.hub.Counts(); c.Privileged != 1 {
		t.Fatalf("expected one privileged peer, got %+v", c)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
