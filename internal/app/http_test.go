package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"talebranch/api/internal/auth"
	"talebranch/api/internal/metrics"
	"talebranch/api/internal/realtime"
)

const testSecret = "test-secret"

type httpFixture struct {
	server *httptest.Server
	hub    *realtime.Hub
}

func newHTTPFixture(t *testing.T, mutate ...func(*HTTPOptions)) *httpFixture {
	t.Helper()
	transport := realtime.NewLocalTransport()
	m := metrics.NewCollector()
	publisher := realtime.NewPublisher(transport, 16, time.Second, zap.NewNop(), m)
	hub := realtime.NewHub(transport, realtime.DefaultHubConfig(), zap.NewNop(), m)

	svc := NewService(Options{
		Store:      openTestStore(t),
		Publisher:  publisher,
		Subscriber: transport,
		Metrics:    m,
	})
	opts := HTTPOptions{
		Verifier: auth.NewVerifier(testSecret),
		Hub:      hub,
		Metrics:  m,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	srv := httptest.NewServer(NewHTTPServer(svc, opts).Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		_ = publisher.Close(context.Background())
		_ = transport.Close()
	})
	return &httpFixture{server: srv, hub: hub}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), userID, userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *httpFixture) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	} else {
		out["raw"] = string(raw)
	}
	return resp, out
}

func (f *httpFixture) createStory(t *testing.T, token string) (storyID, branchID, openingID string) {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/stories", token, map[string]any{
		"title":       "Forest Walk",
		"description": "A walk that goes wrong.",
		"tags":        []string{"mystery"},
		"content":     "She entered the dark woods.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	story := body["story"].(map[string]any)
	branch := body["mainBranch"].(map[string]any)
	opening := body["opening"].(map[string]any)
	return story["id"].(string), branch["id"].(string), opening["id"].(string)
}

func TestHealthAndReady(t *testing.T) {
	f := newHTTPFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = f.do(t, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestReadyReportsRealtimeBroker(t *testing.T) {
	broker := miniredis.RunT(t)
	transport, err := realtime.NewRedisTransport("redis://"+broker.Addr(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	f := newHTTPFixture(t, func(opts *HTTPOptions) { opts.Realtime = transport })

	resp, body := f.do(t, http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, map[string]any{"status": "ok"}, checks["realtime"])

	broker.Close()
	resp, body = f.do(t, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_ready", body["status"])
	checks = body["checks"].(map[string]any)
	assert.Equal(t, "error", checks["realtime"].(map[string]any)["status"])
	assert.Equal(t, map[string]any{"status": "ok"}, checks["database"])
}

func TestCreateStoryRequiresToken(t *testing.T) {
	f := newHTTPFixture(t)
	payload := map[string]any{"title": "t", "description": "d", "content": "Once."}

	resp, body := f.do(t, http.MethodPost, "/api/stories", "", payload)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTH", body["code"])

	resp, _ = f.do(t, http.MethodPost, "/api/stories", "not-a-token", payload)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAnonymousWritesFailAuthBeforeBodyChecks(t *testing.T) {
	f := newHTTPFixture(t)
	_, branchID, openingID := f.createStory(t, tokenFor(t, "alice"))

	cases := []struct {
		name string
		path string
		body any
	}{
		{"vote with bad kind", "/api/contributions/" + openingID + "/vote", map[string]any{"kind": "x"}},
		{"append with empty content", "/api/branches/" + branchID + "/contributions", map[string]any{}},
		{"fork without target", "/api/branches/" + branchID + "/forks", map[string]any{"title": ""}},
		{"story without fields", "/api/stories", map[string]any{}},
		{"archive", "/api/branches/" + branchID + "/archive", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, tc.path, "", tc.body)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "AUTH", body["code"])
		})
	}
}

func TestRequestValidationDetails(t *testing.T) {
	f := newHTTPFixture(t)
	token := tokenFor(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/api/stories", token, map[string]any{"description": "d", "content": "Once."})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "VALIDATION", body["code"])
	details := body["details"].(map[string]any)
	assert.Equal(t, "title is required", details["title"])

	_, branchID, _ := f.createStory(t, token)
	resp, body = f.do(t, http.MethodPost, "/api/branches/"+branchID+"/contributions", token, map[string]any{"content": "One. Two."})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "Please limit your contribution to one sentence", body["error"])

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/branches/"+branchID+"/contributions", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	raw, err := f.server.Client().Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestStoryLifecycleOverHTTP(t *testing.T) {
	f := newHTTPFixture(t)
	alice := tokenFor(t, "alice")
	bob := tokenFor(t, "bob")
	storyID, branchID, openingID := f.createStory(t, alice)

	resp, body := f.do(t, http.MethodPost, "/api/branches/"+branchID+"/contributions", bob, map[string]any{"content": "A wolf howled in the distance."})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	wolf := body["contribution"].(map[string]any)
	assert.Equal(t, float64(1), wolf["position"])

	resp, body = f.do(t, http.MethodPost, "/api/branches/"+branchID+"/forks", bob, map[string]any{
		"atContributionId": openingID,
		"title":            "Sunny Path",
		"content":          "Instead, she found a sunlit clearing.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Len(t, body["contributions"], 2)

	resp, body = f.do(t, http.MethodPost, "/api/contributions/"+wolf["id"].(string)+"/vote", alice, map[string]any{"kind": "up"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, map[string]any{"upvotes": float64(1), "downvotes": float64(0)}, body["votes"])

	resp, body = f.do(t, http.MethodGet, "/api/branches/"+branchID+"/votes/mine", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{wolf["id"].(string): "up"}, body["votes"])

	resp, body = f.do(t, http.MethodPost, "/api/contributions/"+wolf["id"].(string)+"/vote", alice, map[string]any{"kind": "sideways"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/stories/"+storyID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["branches"], 2)

	resp, body = f.do(t, http.MethodGet, "/api/stories/"+storyID+"/branches", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["branches"], 2)

	resp, body = f.do(t, http.MethodGet, "/api/branches/"+branchID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["contributions"], 2)

	resp, body = f.do(t, http.MethodGet, "/api/stories?tag=mystery", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["stories"], 1)

	resp, body = f.do(t, http.MethodGet, "/api/users/bob/contributions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["contributions"], 2)

	resp, _ = f.do(t, http.MethodGet, "/api/stories?limit=abc", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestNotFoundMapping(t *testing.T) {
	f := newHTTPFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/branches/branch-missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, _ = f.do(t, http.MethodGet, "/api/stories/story-missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportAndArchiveOverHTTP(t *testing.T) {
	f := newHTTPFixture(t)
	token := tokenFor(t, "alice")
	_, branchID, _ := f.createStory(t, token)

	resp, body := f.do(t, http.MethodGet, "/api/branches/"+branchID+"/export?format=html", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "forest-walk.html")
	assert.Contains(t, body["raw"], "She entered the dark woods.")

	resp, _ = f.do(t, http.MethodGet, "/api/branches/"+branchID+"/export?format=pdf", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/branches/"+branchID+"/archive", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "ARCHIVE_DISABLED", body["code"])
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newHTTPFixture(t)
	f.createStory(t, tokenFor(t, "alice"))

	resp, body := f.do(t, http.MethodGet, "/api/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["raw"], "talebranch_stories_created_total 1")
}

func TestLiveReceivesContributions(t *testing.T) {
	f := newHTTPFixture(t)
	token := tokenFor(t, "alice")
	storyID, branchID, _ := f.createStory(t, token)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/live?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readMessage := func() map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	connected := readMessage()
	assert.Equal(t, "connected", connected["type"])
	assert.Equal(t, "alice", connected["userId"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join", "storyId": storyID}))
	assert.Equal(t, "joined", readMessage()["type"])

	resp, _ := f.do(t, http.MethodPost, "/api/branches/"+branchID+"/contributions", tokenFor(t, "bob"), map[string]any{"content": "An owl hooted."})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	event := readMessage()
	assert.Equal(t, "new_contribution", event["type"])
	assert.Equal(t, storyID, event["storyId"])
	assert.Equal(t, "bob", event["actorId"])
}
