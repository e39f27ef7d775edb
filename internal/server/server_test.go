package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"docrelay/internal/config"
	"docrelay/internal/db"
	"docrelay/internal/deliver"
	"docrelay/internal/domain"
	"docrelay/internal/engine"
	"docrelay/internal/migrate"
	"docrelay/internal/push"
	"docrelay/internal/ruleset"
	"docrelay/internal/trace"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	hub := push.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	cache, _ := trace.NewCache("")
	rules := ruleset.Default()
	router := deliver.Router{Queue: e, Push: hub, Trace: cache, Rules: rules}
	handler, err := New(Config{Engine: e, Router: router, Hub: hub, Rules: rules, BasePath: "/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			stopHub()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var testProgram = map[string]any{
	"type":    "DocOps",
	"version": "v1",
	"ops": []map[string]any{
		{"op": "paragraph.insert", "text": "привет"},
	},
}

const testDocURL = "https://contoso-my.sharepoint.com/personal/ivan_contoso_com/Documents/report.docx"

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/healthz", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
}

func TestEnqueuePullCompleteFlow(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/enqueue", EnqueueJobRequest{
		DocURL:  testDocURL,
		Payload: testProgram,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d: %s", res.StatusCode, body)
	}
	var enq EnqueueJobResponse
	if err := json.Unmarshal(body, &enq); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if enq.JobID == "" || enq.TraceID == "" {
		t.Fatalf("enqueue response = %+v", enq)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agents/agent-1/pull", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pull status = %d: %s", res.StatusCode, body)
	}
	var pull PullResponse
	if err := json.Unmarshal(body, &pull); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pull.Job == nil || pull.Job.ID != enq.JobID || pull.Job.Status != "assigned" {
		t.Fatalf("pull = %+v", pull.Job)
	}
	if !strings.HasPrefix(pull.Job.WordLink, "ms-word:ofe|u|") {
		t.Errorf("word link = %q", pull.Job.WordLink)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+enq.JobID+"/complete", CompleteJobRequest{Ok: true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d: %s", res.StatusCode, body)
	}
	var done CompleteResponse
	if err := json.Unmarshal(body, &done); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if done.Job.Status != "done" {
		t.Fatalf("complete = %+v", done.Job)
	}

	// A second completion call conflicts.
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+enq.JobID+"/complete", CompleteJobRequest{Ok: true})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double complete status = %d: %s", res.StatusCode, body)
	}
}

func TestDocsNextFlow(t *testing.T) {
	srv := newTestServer(t)

	_, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/enqueue", EnqueueJobRequest{
		DocURL: testDocURL, Payload: testProgram,
	})
	var enq EnqueueJobResponse
	json.Unmarshal(body, &enq)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/docs/next", DocsNextRequest{URL: testDocURL})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs next status = %d: %s", res.StatusCode, body)
	}
	var pull PullResponse
	if err := json.Unmarshal(body, &pull); err != nil {
		t.Fatal(err)
	}
	if pull.Job == nil || pull.Job.ID != enq.JobID || pull.Job.Status != "in_progress" {
		t.Fatalf("docs next = %+v", pull.Job)
	}

	// No match comes back as job: null, not an error.
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/docs/next", DocsNextRequest{
		URL: "https://elsewhere.example/personal/other_user/x.docx",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	if err := json.Unmarshal(body, &pull); err != nil {
		t.Fatal(err)
	}
	if pull.Job != nil {
		t.Fatalf("expected null job, got %+v", pull.Job)
	}
}

func TestJobDetail(t *testing.T) {
	srv := newTestServer(t)

	_, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/enqueue", EnqueueJobRequest{
		DocURL: testDocURL, Payload: testProgram,
	})
	var enq EnqueueJobResponse
	json.Unmarshal(body, &enq)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/"+enq.JobID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var detail JobDetailResponse
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatal(err)
	}
	if detail.ID != enq.JobID || detail.PayloadJSON == "" {
		t.Fatalf("detail = %+v", detail)
	}
	var msg domain.PushMessage
	if err := json.Unmarshal([]byte(detail.PayloadJSON), &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Type != "addin.block" || len(msg.Blocks) == 0 {
		t.Fatalf("payload message = %+v", msg)
	}
	if len(detail.Events) == 0 {
		t.Error("expected enqueue event in detail")
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d: %s", res.StatusCode, body)
	}
	var envlp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envlp); err != nil {
		t.Fatal(err)
	}
	if envlp.Error.Code != "not_found" {
		t.Errorf("error code = %q: %s", envlp.Error.Code, body)
	}
}

func TestEnqueueRejectsBadProgram(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/enqueue", EnqueueJobRequest{
		DocURL:  testDocURL,
		Payload: map[string]any{"type": "DocOps", "version": "v1"},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
}

func TestResetStale(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/reset-stale", ResetStaleRequest{Minutes: 5})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var reset ResetStaleResponse
	if err := json.Unmarshal(body, &reset); err != nil {
		t.Fatal(err)
	}
	if reset.Reset != 0 {
		t.Errorf("reset = %d, want 0", reset.Reset)
	}
}

func TestDocOpsExtract(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/docops/extract", ExtractRequest{
		Text: "- один\n- два\n- три",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var out ExtractResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Valid || out.Source != "synthesized" {
		t.Fatalf("extract = %+v", out)
	}
}

func TestDocOpsDeliverQueue(t *testing.T) {
	srv := newTestServer(t)
	text := "вставь абзац"
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/docops/deliver", DeliverRequest{
		Via:    "queue",
		DocURL: testDocURL,
		Text:   &text,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var h deliver.Handle
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatal(err)
	}
	if h.Via != "queue" || h.JobID == "" {
		t.Fatalf("handle = %+v", h)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/docs/next", DocsNextRequest{URL: testDocURL})
	var pull PullResponse
	json.Unmarshal(body, &pull)
	if pull.Job == nil || pull.Job.ID != h.JobID {
		t.Fatalf("delivered job not matchable: %+v", pull.Job)
	}
}

func TestDocOpsDeliverRequiresContent(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/docops/deliver", DeliverRequest{
		Via:    "queue",
		DocURL: testDocURL,
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing payload status = %d: %s", res.StatusCode, body)
	}
}

func TestWebsocketPushAndAck(t *testing.T) {
	srv := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/addin?email=ivan@contoso.com"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration races the delivery call; poll until the listener
	// is visible.
	recipient := "ivan@contoso.com"
	text := "привет из теста"
	var h deliver.Handle
	for i := 0; i < 50; i++ {
		_, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/docops/deliver", DeliverRequest{
			Via:       "push",
			Recipient: &recipient,
			DocURL:    testDocURL,
			Text:      &text,
		})
		if err := json.Unmarshal(body, &h); err != nil {
			t.Fatalf("decode: %s", body)
		}
		if h.Listeners > 0 {
			break
		}
	}
	if h.Listeners == 0 {
		t.Fatal("listener never registered")
	}

	var msg domain.PushMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read push: %v", err)
	}
	if msg.Type != "addin.block" || len(msg.Blocks) == 0 {
		t.Fatalf("push message = %+v", msg)
	}

	ack := domain.Ack{Type: "addin.ack", JobID: msg.JobID, AppliedOps: len(msg.Blocks), AnchorFound: true}
	if err := conn.WriteJSON(ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
}
