package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bronifty/trellix-replicache/domain"
	"github.com/bronifty/trellix-replicache/replicache"
)

// Options configures a Replica. BaseURL and ClientGroupID are required;
// a zero ClientID gets a fresh uuid.
type Options struct {
	BaseURL       string
	Token         string
	ClientGroupID string
	ClientID      string
	HTTPClient    *http.Client
	Logger        *log.Logger
}

// Replica is the in-process sync client: it records user intents as
// mutations, applies them optimistically to its mirror, and exchanges
// them with the server via push and pull.
type Replica struct {
	clientID      string
	clientGroupID string
	baseURL       string
	token         string
	hc            *http.Client
	logger        *log.Logger
	mirror        *Mirror

	// syncMu guarantees at most one push or pull is in flight; mu guards
	// the queue and counters, and is never held across network calls so
	// Mutate stays synchronous while a sync runs.
	syncMu sync.Mutex
	mu     sync.Mutex

	pending []domain.Mutation
	lastID  int64
	cookie  int64
}

func NewReplica(opts Options) (*Replica, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("replica: base url is required")
	}
	if opts.ClientGroupID == "" {
		return nil, fmt.Errorf("replica: client group id is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Replica{
		clientID:      opts.ClientID,
		clientGroupID: opts.ClientGroupID,
		baseURL:       opts.BaseURL,
		token:         opts.Token,
		hc:            opts.HTTPClient,
		logger:        opts.Logger,
		mirror:        NewMirror(),
	}, nil
}

// Mirror exposes the replica's materialized view for reads.
func (r *Replica) Mirror() *Mirror {
	return r.mirror
}

func (r *Replica) ClientID() string {
	return r.clientID
}

// Pending reports how many recorded mutations await acknowledgement.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Mutate records a named mutation and applies it to the mirror
// immediately. It never fails: local application is best effort, and a
// reducer error only means the mirror lags until the next pull.
func (r *Replica) Mutate(name domain.MutationName, args any) {
	raw, err := sonic.Marshal(args)
	if err != nil {
		r.logger.WithError(err).WithField("mutation", name).Error("Unable to encode mutation args")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	m := domain.Mutation{
		ID:        r.lastID,
		ClientID:  r.clientID,
		Name:      name,
		Args:      raw,
		Timestamp: time.Now().UnixMilli(),
	}
	if applyErr := domain.Apply(r.mirror, name, raw); applyErr != nil {
		r.logger.WithError(applyErr).WithFields(log.Fields{
			"mutation": name,
			"id":       m.ID,
		}).Warn("Optimistic apply failed, awaiting next pull")
	}
	r.pending = append(r.pending, m)
}

// MutateWithUndo records the mutation as a reversible command on the
// stack. The caller supplies the inverse mutation with prior values
// captured now, so undo restores exact previous state.
func (r *Replica) MutateWithUndo(stack *UndoStack, name domain.MutationName, args any, inverse domain.MutationName, inverseArgs any) {
	stack.Add(Command{
		Execute: func() { r.Mutate(name, args) },
		Undo:    func() { r.Mutate(inverse, inverseArgs) },
	})
}

type pushAck struct {
	Rejected []replicache.RejectedMutation `json:"rejected"`
	Error    string                        `json:"error"`
}

// Push sends every pending mutation. Mutations stay queued until a pull
// acknowledges them; resending is safe because the server skips ids it
// has already applied.
func (r *Replica) Push(ctx context.Context) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	mutations := make([]domain.Mutation, len(r.pending))
	copy(mutations, r.pending)
	r.mu.Unlock()

	var ack pushAck
	status, err := r.post(ctx, "/api/push", replicache.PushRequest{
		ClientGroupID: r.clientGroupID,
		Mutations:     mutations,
	}, &ack)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		if ack.Error != "" {
			return fmt.Errorf("push: status %d: %s", status, ack.Error)
		}
		return fmt.Errorf("push: unexpected status %d", status)
	}
	for _, rej := range ack.Rejected {
		r.logger.WithFields(log.Fields{
			"clientId": rej.ClientID,
			"id":       rej.ID,
			"reason":   rej.Reason,
		}).Warn("Mutation rejected by server")
	}
	return nil
}

// Pull replaces the mirror with the server snapshot, drops pending
// mutations the snapshot already reflects, and replays the rest on top
// so local intent survives the reset.
func (r *Replica) Pull(ctx context.Context) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	req := replicache.PullRequest{ClientGroupID: r.clientGroupID}
	r.mu.Lock()
	if r.cookie != 0 {
		cookie, err := sonic.Marshal(r.cookie)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		req.Cookie = cookie
	}
	r.mu.Unlock()

	var res replicache.PullResponse
	status, err := r.post(ctx, "/api/pull", req, &res)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("pull: unexpected status %d", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	acked := res.LastMutationIDChanges[r.clientID]
	kept := r.pending[:0]
	for _, m := range r.pending {
		if m.ID > acked {
			kept = append(kept, m)
		}
	}
	r.pending = kept
	if acked > r.lastID {
		// Another replica shares this client id; never reuse its ids.
		r.lastID = acked
	}

	r.mirror.ApplyPatch(res.Patch)
	for _, m := range r.pending {
		if applyErr := domain.Apply(r.mirror, m.Name, m.Args); applyErr != nil {
			r.logger.WithError(applyErr).WithFields(log.Fields{
				"mutation": m.Name,
				"id":       m.ID,
			}).Warn("Replay of pending mutation failed")
		}
	}
	r.cookie = res.Cookie
	return nil
}

func (r *Replica) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if len(data) > 0 {
		if err := sonic.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
