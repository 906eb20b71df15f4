package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lxplabs/ai-fabric/internal/broker"
	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/hub"
	"github.com/lxplabs/ai-fabric/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

type fakeBroker struct {
	err   error
	key   string
	tasks []envelope.Task
}

func (f *fakeBroker) PublishTask(_ context.Context, routingKey string, payload interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.key = routingKey
	f.tasks = append(f.tasks, payload.(envelope.Task))
	return nil
}

func (f *fakeBroker) PublishChatMessage(context.Context, interface{}) error {
	return f.err
}

func testRouter(b *fakeBroker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	s := NewServer(Deps{
		Broker: b,
		Hub:    hub.New(8, testLogger()),
		OrgID:  "org-test",
		Logger: testLogger(),
	})
	r := gin.New()
	s.RegisterRoutes(r)
	return r
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitTaskAccepted(t *testing.T) {
	b := &fakeBroker{}
	r := testRouter(b)

	vsID := "65f0c0ffee00c0ffee00beef"
	w := postJSON(r, "/assist", `{"user_id":"u1","sub_function":"qa","prompt":"hello","vectorstore_id":"`+vsID+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		JobID     string `json:"job_id"`
		StreamURL string `json:"stream_url"`
		StatusURL string `json:"status_url"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID == "" {
		t.Fatal("missing job_id")
	}
	if resp.StreamURL != "/events/jobs/"+resp.JobID {
		t.Fatalf("stream_url = %q", resp.StreamURL)
	}
	if resp.StatusURL == "" {
		t.Fatal("missing status_url")
	}

	if b.key != "assist.qa" {
		t.Fatalf("routing key = %q", b.key)
	}
	if len(b.tasks) != 1 {
		t.Fatalf("published = %d", len(b.tasks))
	}
	task := b.tasks[0]
	if task.OrgID != "org-test" || task.UserID != "u1" || task.VectorstoreID != vsID {
		t.Fatalf("task = %+v", task)
	}
}

func TestSubmitTaskRejectsMalformedVectorstoreID(t *testing.T) {
	b := &fakeBroker{}
	r := testRouter(b)

	w := postJSON(r, "/assist", `{"user_id":"u1","sub_function":"qa","prompt":"hello","vectorstore_id":"not-an-id"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(b.tasks) != 0 {
		t.Fatal("rejected task reached the broker")
	}
}

func TestSubmitTaskUnknownSubFunction(t *testing.T) {
	b := &fakeBroker{}
	r := testRouter(b)

	w := postJSON(r, "/assist", `{"user_id":"u1","sub_function":"recommend"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if len(b.tasks) != 0 {
		t.Fatal("rejected task reached the broker")
	}
}

func TestSubmitTaskMissingUserID(t *testing.T) {
	r := testRouter(&fakeBroker{})
	w := postJSON(r, "/translate", `{"sub_function":"ko-en","prompt":"hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSubmitTaskBrokerUnavailable(t *testing.T) {
	r := testRouter(&fakeBroker{err: broker.ErrBrokerUnavailable})
	w := postJSON(r, "/coach", `{"user_id":"u1","sub_function":"plan","prompt":"study plan"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSubFunctionWhitelistPerFunction(t *testing.T) {
	b := &fakeBroker{}
	r := testRouter(b)

	// valid for galaxy, not for translate
	if w := postJSON(r, "/galaxy", `{"user_id":"u1","sub_function":"recommend","prompt":"x"}`); w.Code != http.StatusAccepted {
		t.Fatalf("galaxy status = %d", w.Code)
	}
	if w := postJSON(r, "/translate", `{"user_id":"u1","sub_function":"recommend"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("translate status = %d", w.Code)
	}
}

func TestHealthzShape(t *testing.T) {
	r := testRouter(&fakeBroker{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		OK    *bool  `json:"ok"`
		OrgID string `json:"org_id"`
		TS    string `json:"ts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.OK == nil || !*resp.OK {
		t.Fatalf("ok = %v, body = %s", resp.OK, w.Body.String())
	}
	if resp.OrgID != "org-test" {
		t.Fatalf("org_id = %q", resp.OrgID)
	}
	if _, err := time.Parse(time.RFC3339, resp.TS); err != nil {
		t.Fatalf("ts = %q: %v", resp.TS, err)
	}
}

func TestRAGQueryRouteAtRoot(t *testing.T) {
	r := testRouter(&fakeBroker{})

	// malformed body exercises the route without a retrieval backend;
	// a missing route would answer 404
	w := postJSON(r, "/rag/query", `{`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPersonaEndpoints(t *testing.T) {
	r := testRouter(&fakeBroker{})

	req := httptest.NewRequest(http.MethodGet, "/personas", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var personas []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &personas); err != nil {
		t.Fatal(err)
	}
	if len(personas) == 0 {
		t.Fatal("no personas")
	}

	req = httptest.NewRequest(http.MethodGet, "/scenarios", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
