package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/bronifty/trellix-replicache/domain"
	"github.com/bronifty/trellix-replicache/replicache"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func strPtr(s string) *string { return &s }

// fakeServer is a canned sync endpoint recording what replicas send.
type fakeServer struct {
	mu         sync.Mutex
	pushes     []replicache.PushRequest
	pulls      []replicache.PullRequest
	auth       string
	pushStatus int
	pushBody   string
	pullRes    replicache.PullResponse
}

func newFakeServer() *fakeServer {
	return &fakeServer{pushStatus: http.StatusOK, pushBody: `{}`}
}

func (s *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/push", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.auth = r.Header.Get("Authorization")
		var req replicache.PushRequest
		body, _ := io.ReadAll(r.Body)
		if err := sonic.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.pushes = append(s.pushes, req)
		w.WriteHeader(s.pushStatus)
		io.WriteString(w, s.pushBody)
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var req replicache.PullRequest
		body, _ := io.ReadAll(r.Body)
		if err := sonic.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.pulls = append(s.pulls, req)
		res, _ := sonic.Marshal(s.pullRes)
		w.Write(res)
	})
	return mux
}

func newTestReplica(t *testing.T, baseURL string) *Replica {
	t.Helper()
	r, err := NewReplica(Options{
		BaseURL:       baseURL,
		Token:         "testtoken",
		ClientGroupID: "g1",
		ClientID:      "c1",
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	return r
}

func TestMutateAppliesOptimistically(t *testing.T) {
	r := newTestReplica(t, "http://unused.invalid")

	r.Mutate(domain.CreateBoard, domain.Board{ID: "b1", Name: "Plan", Color: "#e0e0e0"})

	v, ok, _ := r.Mirror().Get("board/b1")
	if !ok {
		t.Fatal("board missing from mirror")
	}
	if !strings.Contains(string(v), `"Plan"`) {
		t.Fatalf("unexpected board value %s", v)
	}
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}
}

func TestPushSendsPendingInOrder(t *testing.T) {
	srv := newFakeServer()
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	r := newTestReplica(t, ts.URL)

	r.Mutate(domain.CreateBoard, domain.Board{ID: "b1", Name: "Plan"})
	r.Mutate(domain.UpdateBoard, domain.BoardPatch{ID: "b1", Name: strPtr("Renamed")})

	if err := r.Push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}

	if len(srv.pushes) != 1 {
		t.Fatalf("expected one push, got %d", len(srv.pushes))
	}
	req := srv.pushes[0]
	if req.ClientGroupID != "g1" {
		t.Fatalf("clientGroupID = %q", req.ClientGroupID)
	}
	if len(req.Mutations) != 2 {
		t.Fatalf("expected 2 mutations, got %d", len(req.Mutations))
	}
	for i, m := range req.Mutations {
		if m.ID != int64(i+1) {
			t.Fatalf("mutation[%d].ID = %d, want %d", i, m.ID, i+1)
		}
		if m.ClientID != "c1" {
			t.Fatalf("mutation[%d].ClientID = %q", i, m.ClientID)
		}
	}
	if srv.auth != "Bearer testtoken" {
		t.Fatalf("auth header = %q", srv.auth)
	}

	// Acknowledged only by pull, so the queue survives the push.
	if r.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", r.Pending())
	}
}

func TestPushNoopWithoutPending(t *testing.T) {
	srv := newFakeServer()
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	r := newTestReplica(t, ts.URL)

	if err := r.Push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(srv.pushes) != 0 {
		t.Fatalf("expected no push, got %d", len(srv.pushes))
	}
}

func TestPushSurfacesConflict(t *testing.T) {
	srv := newFakeServer()
	srv.pushStatus = http.StatusConflict
	srv.pushBody = `{"error":"mutation id ahead of client"}`
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	r := newTestReplica(t, ts.URL)

	r.Mutate(domain.CreateBoard, domain.Board{ID: "b1"})
	err := r.Push(context.Background())
	if err == nil {
		t.Fatal("expected push error")
	}
	if !strings.Contains(err.Error(), "mutation id ahead of client") {
		t.Fatalf("error %v does not carry server reason", err)
	}
}

func TestPullResetsPrunesAndReplays(t *testing.T) {
	srv := newFakeServer()
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	r := newTestReplica(t, ts.URL)

	r.Mutate(domain.CreateBoard, domain.Board{ID: "b1", Name: "Plan"})
	r.Mutate(domain.UpdateBoard, domain.BoardPatch{ID: "b1", Name: strPtr("Renamed")})

	// Server has applied mutation 1 only; its snapshot carries the
	// pre-rename board.
	srv.pullRes = replicache.PullResponse{
		Cookie:                42,
		LastMutationIDChanges: map[string]int64{"c1": 1},
		Patch: []replicache.PatchOperation{
			{Op: replicache.OpClear},
			{Op: replicache.OpPut, Key: "board/b1", Value: []byte(`{"id":"b1","name":"Plan","color":"","createdAt":""}`)},
		},
	}

	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("pull: %v", err)
	}

	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}
	v, ok, _ := r.Mirror().Get("board/b1")
	if !ok {
		t.Fatal("board missing after pull")
	}
	if !strings.Contains(string(v), `"Renamed"`) {
		t.Fatalf("pending rename not replayed onto snapshot: %s", v)
	}
}

func TestPullSendsPreviousCookie(t *testing.T) {
	srv := newFakeServer()
	srv.pullRes = replicache.PullResponse{
		Cookie:                42,
		LastMutationIDChanges: map[string]int64{},
		Patch:                 []replicache.PatchOperation{{Op: replicache.OpClear}},
	}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	r := newTestReplica(t, ts.URL)

	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("second pull: %v", err)
	}

	if len(srv.pulls) != 2 {
		t.Fatalf("expected two pulls, got %d", len(srv.pulls))
	}
	if len(srv.pulls[0].Cookie) != 0 {
		t.Fatalf("first pull cookie = %s, want none", srv.pulls[0].Cookie)
	}
	if string(srv.pulls[1].Cookie) != "42" {
		t.Fatalf("second pull cookie = %s, want 42", srv.pulls[1].Cookie)
	}
}

func TestMutateWithUndoRestoresPriorState(t *testing.T) {
	r := newTestReplica(t, "http://unused.invalid")
	stack := NewUndoStack()

	r.Mutate(domain.CreateBoard, domain.Board{ID: "b1", Name: "One"})
	r.MutateWithUndo(stack,
		domain.UpdateBoard, domain.BoardPatch{ID: "b1", Name: strPtr("Two")},
		domain.UpdateBoard, domain.BoardPatch{ID: "b1", Name: strPtr("One")})

	v, _, _ := r.Mirror().Get("board/b1")
	if !strings.Contains(string(v), `"Two"`) {
		t.Fatalf("execute did not apply: %s", v)
	}

	stack.Undo()
	v, _, _ = r.Mirror().Get("board/b1")
	if !strings.Contains(string(v), `"One"`) {
		t.Fatalf("undo did not restore prior name: %s", v)
	}

	stack.Redo()
	v, _, _ = r.Mirror().Get("board/b1")
	if !strings.Contains(string(v), `"Two"`) {
		t.Fatalf("redo did not reapply: %s", v)
	}

	// Undo and redo are mutations in their own right.
	if r.Pending() != 4 {
		t.Fatalf("pending = %d, want 4", r.Pending())
	}
}
