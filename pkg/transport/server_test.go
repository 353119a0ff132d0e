package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openshelf/callgate/pkg/auth"
	"github.com/openshelf/callgate/pkg/dispatch"
	"github.com/openshelf/callgate/pkg/library"
	"github.com/openshelf/callgate/pkg/ops"
	"github.com/openshelf/callgate/pkg/protocol"
	"github.com/openshelf/callgate/pkg/registry"
	"github.com/openshelf/callgate/pkg/schema"
	"github.com/openshelf/callgate/pkg/stream"
)

const testPollInterval = 50 * time.Millisecond

// newTestServer assembles the full stack over a throwaway database.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	lib, err := library.Open(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lib.Close() })
	if err := lib.Seed(t.Context()); err != nil {
		t.Fatal(err)
	}

	descriptors, err := library.Descriptors()
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(library.CallVersion, descriptors)
	if err != nil {
		t.Fatal(err)
	}
	validator, err := schema.New(reg)
	if err != nil {
		t.Fatal(err)
	}

	tokens := auth.NewStore(lib, time.Hour)
	t.Cleanup(tokens.Close)
	store := ops.NewStore(ops.WithPollInterval(testPollInterval), ops.WithChunkSize(256))
	t.Cleanup(store.Close)
	pool := ops.NewPool(2)
	t.Cleanup(pool.Close)

	alloc := stream.NewAllocator([]byte("test-secret"), time.Hour)
	feed := library.NewFeed()
	handlers := library.Handlers(lib, feed, alloc)

	dispatcher := dispatch.New(reg, validator, tokens, store, pool, handlers,
		dispatch.NewMemoryIdempotencyStore(time.Hour))

	server := New(dispatcher, tokens, store, reg, stream.Handler(alloc, feed), nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body, bearer string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, raw
}

func getJSON(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, raw
}

func issueToken(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, raw := postJSON(t, ts.URL+"/auth", `{"username":"e2e-reader"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth status = %d: %s", resp.StatusCode, raw)
	}
	var grant auth.Grant
	if err := json.Unmarshal(raw, &grant); err != nil {
		t.Fatal(err)
	}
	return grant.Token
}

func decodeEnvelope(t *testing.T, raw []byte) protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("not an envelope: %v: %s", err, raw)
	}
	return env
}

func TestDiscoveryDocument(t *testing.T) {
	ts := newTestServer(t)

	resp, raw := getJSON(t, ts.URL+"/.well-known/ops")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("no ETag")
	}
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "max-age=3600") {
		t.Fatalf("cache-control = %s", cc)
	}

	var doc struct {
		CallVersion string            `json:"callVersion"`
		Operations  []json.RawMessage `json:"operations"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.CallVersion != library.CallVersion || len(doc.Operations) == 0 {
		t.Fatalf("doc = %+v", doc)
	}

	// Conditional revalidation answers 304 with an empty body.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/.well-known/ops", nil)
	req.Header.Set("If-None-Match", etag)
	cond, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cond.Body.Close() }()
	if cond.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional status = %d", cond.StatusCode)
	}
	body, _ := io.ReadAll(cond.Body)
	if len(body) != 0 {
		t.Fatalf("304 carried a body: %s", body)
	}
}

func TestCallMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	resp, raw := getJSON(t, ts.URL+"/call")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %s", allow)
	}
	env := decodeEnvelope(t, raw)
	if env.Err == nil || env.Err.Code != protocol.CodeMethodNotAllowed {
		t.Fatalf("env = %+v", env)
	}
}

func TestTokenIssuanceEndpoints(t *testing.T) {
	ts := newTestServer(t)

	t.Run("human", func(t *testing.T) {
		resp, raw := postJSON(t, ts.URL+"/auth", `{}`, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d: %s", resp.StatusCode, raw)
		}
		var grant auth.Grant
		if err := json.Unmarshal(raw, &grant); err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(grant.Token, "demo_") || grant.Username == "" {
			t.Fatalf("grant = %+v", grant)
		}
	})

	t.Run("agent invalid card", func(t *testing.T) {
		resp, raw := postJSON(t, ts.URL+"/auth/agent", `{"cardNumber":"nope"}`, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d: %s", resp.StatusCode, raw)
		}
		if !bytes.Contains(raw, []byte(protocol.CodeInvalidCard)) {
			t.Fatalf("body = %s", raw)
		}
	})

	t.Run("agent unknown card", func(t *testing.T) {
		resp, raw := postJSON(t, ts.URL+"/auth/agent", `{"cardNumber":"Zzzz-Zzzz-99"}`, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d: %s", resp.StatusCode, raw)
		}
		if !bytes.Contains(raw, []byte(protocol.CodePatronNotFound)) {
			t.Fatalf("body = %s", raw)
		}
	})

	t.Run("agent seeded card", func(t *testing.T) {
		resp, raw := postJSON(t, ts.URL+"/auth/agent", `{"cardNumber":"A1b2-C3d4-E5"}`, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d: %s", resp.StatusCode, raw)
		}
		var grant auth.Grant
		if err := json.Unmarshal(raw, &grant); err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(grant.Token, "agent_") || grant.Username != "ada-lovelace" {
			t.Fatalf("grant = %+v", grant)
		}
	})
}

func TestSyncCallFlow(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, ts)

	resp, raw := postJSON(t, ts.URL+"/call", `{"op":"v1:catalog.list","args":{"limit":5}}`, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	env := decodeEnvelope(t, raw)
	if env.State != protocol.StateComplete {
		t.Fatalf("state = %s: %s", env.State, raw)
	}
	var result struct {
		Items []library.Item `json:"items"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Items) != 5 || result.Total < 20 {
		t.Fatalf("result = %+v", result)
	}
}

func TestDomainErrorFlow(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, ts)

	resp, raw := postJSON(t, ts.URL+"/call", `{"op":"v1:item.get","args":{"itemId":"bk-999"}}`, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("domain errors ride 200, got %d: %s", resp.StatusCode, raw)
	}
	env := decodeEnvelope(t, raw)
	if env.State != protocol.StateError || env.Err.Code != library.CodeItemNotFound {
		t.Fatalf("env = %+v", env)
	}
}

func TestCoverRedirect(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, ts)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/call",
		strings.NewReader(`{"op":"v1:item.cover","args":{"itemId":"bk-001"}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "bk-001") {
		t.Fatalf("location = %s", loc)
	}
	raw, _ := io.ReadAll(resp.Body)
	env := decodeEnvelope(t, raw)
	if env.State != protocol.StateComplete || env.Location == nil {
		t.Fatalf("env = %+v", env)
	}
}

func TestRemovedOperation(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, ts)

	resp, raw := postJSON(t, ts.URL+"/call", `{"op":"v1:catalog.browse"}`, token)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	env := decodeEnvelope(t, raw)
	if env.Err.Code != protocol.CodeOpRemoved {
		t.Fatalf("code = %s", env.Err.Code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	ts := newTestServer(t)

	// Agent tokens cannot check items back in.
	resp, raw := postJSON(t, ts.URL+"/auth/agent", `{"cardNumber":"A1b2-C3d4-E5"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("agent auth failed: %s", raw)
	}
	var grant auth.Grant
	if err := json.Unmarshal(raw, &grant); err != nil {
		t.Fatal(err)
	}

	resp, raw = postJSON(t, ts.URL+"/call",
		`{"op":"v1:item.checkin","args":{"itemId":"bk-001"}}`, grant.Token)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	env := decodeEnvelope(t, raw)
	if env.Err.Code != protocol.CodeInsufficientScopes {
		t.Fatalf("code = %s", env.Err.Code)
	}

	// No token at all on a protected operation.
	resp, raw = postJSON(t, ts.URL+"/call", `{"op":"v1:patron.profile"}`, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
}

func TestAsyncFlow(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, ts)

	resp, raw := postJSON(t, ts.URL+"/call", `{"op":"v1:report.generate","args":{"format":"summary"}}`, token)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	env := decodeEnvelope(t, raw)
	if env.State != protocol.StateAccepted || env.Location == nil {
		t.Fatalf("env = %+v", env)
	}

	pollURL := ts.URL + env.Location.URI

	// An immediate double poll trips the per-instance gate.
	first, _ := getJSON(t, pollURL)
	if first.StatusCode != http.StatusAccepted && first.StatusCode != http.StatusOK {
		t.Fatalf("first poll status = %d", first.StatusCode)
	}
	second, raw := getJSON(t, pollURL)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("premature poll status = %d: %s", second.StatusCode, raw)
	}
	limited := decodeEnvelope(t, raw)
	if limited.Err.Code != protocol.CodeRateLimited {
		t.Fatalf("code = %s", limited.Err.Code)
	}
	if limited.RetryAfterMs <= 0 || limited.RetryAfterMs > int(testPollInterval.Milliseconds()) {
		t.Fatalf("retryAfterMs = %d, want within the interval", limited.RetryAfterMs)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("no Retry-After header")
	}

	// Respecting the interval, the poll eventually reaches a terminal state.
	deadline := time.Now().Add(5 * time.Second)
	for {
		time.Sleep(testPollInterval + 10*time.Millisecond)
		resp, raw = getJSON(t, pollURL)
		if resp.StatusCode == http.StatusOK {
			break
		}
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("poll status = %d: %s", resp.StatusCode, raw)
		}
		if time.Now().After(deadline) {
			t.Fatal("operation never completed")
		}
	}

	env = decodeEnvelope(t, raw)
	if env.State != protocol.StateComplete {
		t.Fatalf("terminal state = %s: %s", env.State, raw)
	}
	var report library.Report
	if err := json.Unmarshal(env.Result, &report); err != nil {
		t.Fatal(err)
	}
	if report.TotalTitles == 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestPollUnknownOperation(t *testing.T) {
	ts := newTestServer(t)
	resp, raw := getJSON(t, ts.URL+"/ops/b5d0a6a8-0000-4000-8000-000000000000")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, raw)
	if env.Err.Code != protocol.CodeOperationNotFound {
		t.Fatalf("code = %s", env.Err.Code)
	}
}

func TestChunkedRetrieval(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, ts)

	_, raw := postJSON(t, ts.URL+"/call", `{"op":"v1:catalog.export"}`, token)
	env := decodeEnvelope(t, raw)
	if env.State != protocol.StateAccepted {
		t.Fatalf("env = %+v", env)
	}
	requestID := env.RequestID
	pollURL := ts.URL + "/ops/" + requestID
	chunkURL := ts.URL + "/ops/" + requestID + "/chunks"

	// Chunks are refused until the operation completes.
	resp, raw := getJSON(t, chunkURL)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("early chunk status = %d: %s", resp.StatusCode, raw)
	}
	if decodeEnvelope(t, raw).Err.Code != protocol.CodeOperationNotComplete {
		t.Fatalf("body = %s", raw)
	}

	var result json.RawMessage
	deadline := time.Now().Add(5 * time.Second)
	for {
		time.Sleep(testPollInterval + 10*time.Millisecond)
		resp, raw = getJSON(t, pollURL)
		if resp.StatusCode == http.StatusOK {
			result = decodeEnvelope(t, raw).Result
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("export never completed")
		}
	}

	// The completion poll stamped the gate; wait it out, then walk.
	time.Sleep(testPollInterval + 10*time.Millisecond)

	type chunkResp struct {
		RequestID string    `json:"requestId"`
		Chunk     ops.Chunk `json:"chunk"`
	}

	var assembled strings.Builder
	var prevChecksum *string
	cursor := ""
	for {
		url := chunkURL
		if cursor != "" {
			url += "?cursor=" + cursor
		}
		resp, raw = getJSON(t, url)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chunk status = %d: %s", resp.StatusCode, raw)
		}
		var cr chunkResp
		if err := json.Unmarshal(raw, &cr); err != nil {
			t.Fatal(err)
		}
		if cr.RequestID != requestID {
			t.Fatalf("chunk requestId = %s", cr.RequestID)
		}

		sum := sha256.Sum256([]byte(cr.Chunk.Data))
		if cr.Chunk.Checksum != "sha256:"+hex.EncodeToString(sum[:]) {
			t.Fatal("chunk checksum mismatch")
		}
		if (prevChecksum == nil) != (cr.Chunk.ChecksumPrevious == nil) {
			t.Fatal("checksum chain broken")
		}
		if prevChecksum != nil && *cr.Chunk.ChecksumPrevious != *prevChecksum {
			t.Fatal("checksum back link mismatch")
		}
		prevChecksum = &cr.Chunk.Checksum

		assembled.WriteString(cr.Chunk.Data)
		if cr.Chunk.State == ops.ChunkComplete {
			if cr.Chunk.Cursor != nil {
				t.Fatal("terminal chunk carries a cursor")
			}
			break
		}
		cursor = *cr.Chunk.Cursor
	}

	if assembled.String() != string(result) {
		t.Fatal("reassembled chunks differ from the polled result")
	}
}

func TestStreamingFlow(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, ts)

	resp, raw := postJSON(t, ts.URL+"/call", `{"op":"v1:events.subscribe"}`, token)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	env := decodeEnvelope(t, raw)
	if env.State != protocol.StateStreaming || env.Stream == nil {
		t.Fatalf("env = %+v", env)
	}
	if env.Stream.Transport != "sse" || env.Stream.Encoding != "json" {
		t.Fatalf("stream = %+v", env.Stream)
	}
	if !strings.HasPrefix(env.Stream.Location, "/stream/") {
		t.Fatalf("location = %s", env.Stream.Location)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, raw := getJSON(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Contains(raw, []byte(`"ok"`)) {
		t.Fatalf("body = %s", raw)
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := getJSON(t, ts.URL+"/healthz")
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("no X-Request-ID on the response")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	echo, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = echo.Body.Close() }()
	if echo.Header.Get("X-Request-ID") != "client-supplied" {
		t.Fatalf("request id = %s", echo.Header.Get("X-Request-ID"))
	}
}

func TestEndToEndCheckoutReplay(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, ts)

	body := `{"op":"v1:item.checkout","args":{"itemId":"bk-006"},"ctx":{"idempotencyKey":"e2e-key"}}`

	_, first := postJSON(t, ts.URL+"/call", body, token)
	_, second := postJSON(t, ts.URL+"/call", body, token)
	if !bytes.Equal(first, second) {
		t.Fatalf("replay differs:\n%s\n%s", first, second)
	}

	// The replay did not lend a second copy.
	resp, raw := postJSON(t, ts.URL+"/call", `{"op":"v1:item.get","args":{"itemId":"bk-006"}}`, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, raw)
	var item library.Item
	if err := json.Unmarshal(env.Result, &item); err != nil {
		t.Fatal(err)
	}
	if item.Available != item.Copies-1 {
		t.Fatalf("available = %d of %d, want exactly one loan", item.Available, item.Copies)
	}
}

func TestCallWithoutIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, ts)

	resp, raw := postJSON(t, ts.URL+"/call", `{"op":"v1:item.checkout","args":{"itemId":"bk-006"}}`, token)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	if decodeEnvelope(t, raw).Err.Code != protocol.CodeInvalidEnvelope {
		t.Fatalf("body = %s", raw)
	}
}
