package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/rpc"
)

const testToken = "rpc_testtoken"

func newTestDaemon(t *testing.T, origins *rpc.OriginValidator) (*Server, *rpc.Server, *httptest.Server) {
	t.Helper()
	rpcSrv := rpc.NewServer(rpc.ServerConfig{Origins: origins})
	rpcSrv.MustAddHandler("vynos.ping", func(ctx context.Context, params []json.RawMessage) (any, error) {
		return "pong", nil
	})

	srv, err := New(Config{
		Addr:    "127.0.0.1:0",
		Token:   testToken,
		Origins: origins,
		RPC:     rpcSrv,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(rpcSrv.Close)
	return srv, rpcSrv, ts
}

func postCall(t *testing.T, ts *httptest.Server, token string, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Vynos-Rpc-Token", token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestRPCRoundTrip(t *testing.T) {
	_, _, ts := newTestDaemon(t, rpc.NewOriginValidator("*"))

	resp := postCall(t, ts, testToken, `{"jsonrpc":"2.0","id":1,"method":"vynos.ping","params":[]}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out rpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != 1 || out.Error != nil {
		t.Fatalf("response: %+v", out)
	}
	var result string
	if err := json.Unmarshal(out.Result, &result); err != nil || result != "pong" {
		t.Fatalf("result = %s err = %v", out.Result, err)
	}
}

func TestRPCUnknownMethod(t *testing.T) {
	_, _, ts := newTestDaemon(t, rpc.NewOriginValidator("*"))

	resp := postCall(t, ts, testToken, `{"jsonrpc":"2.0","id":7,"method":"vynos.nope","params":[]}`, nil)
	defer resp.Body.Close()
	var out rpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != 7 || out.Error == nil || out.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("response: %+v", out)
	}
}

func TestRPCRequiresToken(t *testing.T) {
	_, _, ts := newTestDaemon(t, rpc.NewOriginValidator("*"))

	resp := postCall(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"vynos.ping","params":[]}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRPCBearerTokenAccepted(t *testing.T) {
	_, _, ts := newTestDaemon(t, rpc.NewOriginValidator("*"))

	resp := postCall(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"vynos.ping","params":[]}`,
		map[string]string{"Authorization": "Bearer " + testToken})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRPCRejectsUnknownOrigin(t *testing.T) {
	_, _, ts := newTestDaemon(t, rpc.NewOriginValidator("https://app.example"))

	resp := postCall(t, ts, testToken, `{"jsonrpc":"2.0","id":1,"method":"vynos.ping","params":[]}`,
		map[string]string{"Origin": "https://evil.example"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestRPCRejectsNonCallBody(t *testing.T) {
	_, _, ts := newTestDaemon(t, rpc.NewOriginValidator("*"))

	resp := postCall(t, ts, testToken, `{"type":"broadcast/x","data":[]}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConcurrentClientsMayReuseCallIDs(t *testing.T) {
	// The UI frame and the host page each number their calls from 1, so two
	// contexts with a call held open at once collide on id unless the daemon
	// assigns its own ids on the shared port.
	origins := rpc.NewOriginValidator("*")
	rpcSrv := rpc.NewServer(rpc.ServerConfig{Origins: origins})
	gate := make(chan struct{})
	arrived := make(chan struct{}, 2)
	rpcSrv.MustAddHandler("vynos.hold", func(ctx context.Context, params []json.RawMessage) (any, error) {
		arrived <- struct{}{}
		<-gate
		return "done", nil
	})
	srv, err := New(Config{Addr: "127.0.0.1:0", Token: testToken, Origins: origins, RPC: rpcSrv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(rpcSrv.Close)

	do := func() (int, rpc.Response, error) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc",
			bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"vynos.hold","params":[]}`))
		if err != nil {
			return 0, rpc.Response{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Vynos-Rpc-Token", testToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return 0, rpc.Response{}, err
		}
		defer resp.Body.Close()
		var out rpc.Response
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return resp.StatusCode, rpc.Response{}, err
			}
		}
		return resp.StatusCode, out, nil
	}

	type result struct {
		status int
		resp   rpc.Response
		err    error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			status, resp, err := do()
			results <- result{status, resp, err}
		}()
	}

	// Both calls must reach the handler before either completes; with a
	// shared id only one would.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("second concurrent call never reached the handler")
		}
	}
	close(gate)

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("call failed: %v", r.err)
		}
		if r.status != http.StatusOK {
			t.Fatalf("status = %d, want 200 for both calls", r.status)
		}
		if r.resp.ID != 1 || r.resp.Error != nil {
			t.Fatalf("response: %+v", r.resp)
		}
	}
}

func TestHealthz(t *testing.T) {
	_, _, ts := newTestDaemon(t, rpc.NewOriginValidator("*"))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStreamDeliversBroadcasts(t *testing.T) {
	_, rpcSrv, ts := newTestDaemon(t, rpc.NewOriginValidator("*"))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/rpc/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-Vynos-Rpc-Token", testToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	// The subscription registers when the handler starts; give it a moment
	// before publishing.
	time.Sleep(50 * time.Millisecond)
	rpcSrv.Broadcast("balanceUpdated", map[string]string{"eth": "5"})

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		msg := rpc.Classify([]byte(strings.TrimPrefix(line, "data: ")))
		if msg.Kind != rpc.KindBroadcast {
			t.Fatalf("stream payload not a broadcast: %s", line)
		}
		if got := msg.Broadcast.EventName(); got != "balanceUpdated" {
			t.Fatalf("event = %q", got)
		}
		return
	}
	t.Fatalf("stream ended without a broadcast: %v", scanner.Err())
}
