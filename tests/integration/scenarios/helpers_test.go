package scenarios

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	integration "trellixtest"
	"trellixtest/internal/httpclient"
)

type mutation struct {
	ID        int64           `json:"id"`
	ClientID  string          `json:"clientID"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Timestamp int64           `json:"timestamp"`
}

type pushRequest struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []mutation `json:"mutations"`
}

type rejectedMutation struct {
	ClientID string `json:"clientID"`
	ID       int64  `json:"id"`
	Reason   string `json:"reason"`
}

type pushResponse struct {
	Rejected []rejectedMutation `json:"rejected"`
	Error    string             `json:"error"`
}

type pullRequest struct {
	ClientGroupID string `json:"clientGroupID"`
}

type patchOp struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type pullResponse struct {
	Cookie                int64            `json:"cookie"`
	LastMutationIDChanges map[string]int64 `json:"lastMutationIDChanges"`
	Patch                 []patchOp        `json:"patch"`
}

func newSyncClient(t *testing.T, accountID string) *httpclient.Client {
	base := os.Getenv("API_BASE")
	if base == "" {
		base = "http://localhost:8080"
	}
	if _, err := http.Get(base + "/healthz"); err != nil {
		t.Skipf("skipping, API not reachable: %v", err)
	}
	tok, err := integration.TestToken(accountID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return httpclient.New(base, tok)
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return raw
}

func push(t *testing.T, client *httpclient.Client, groupID string, muts ...mutation) pushResponse {
	t.Helper()
	var res pushResponse
	resp, err := client.PostJSON("/api/push", pushRequest{ClientGroupID: groupID, Mutations: muts}, &res)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push: status %d: %s", resp.StatusCode, res.Error)
	}
	return res
}

func pull(t *testing.T, client *httpclient.Client, groupID string) pullResponse {
	t.Helper()
	var res pullResponse
	resp, err := client.PostJSON("/api/pull", pullRequest{ClientGroupID: groupID}, &res)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull: status %d", resp.StatusCode)
	}
	return res
}

func findPut(res pullResponse, key string) (json.RawMessage, bool) {
	for _, op := range res.Patch {
		if op.Op == "put" && op.Key == key {
			return op.Value, true
		}
	}
	return nil, false
}
