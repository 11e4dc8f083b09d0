package domain

import "strings"

// Key prefixes for the composite <kind>/<id> key scheme shared by the
// client mirror and the server entity table.
const (
	KindBoard  = "board"
	KindColumn = "column"
	KindItem   = "item"
)

// Board is the root of a board subtree. Ownership is tracked by the
// storage partition, not by a JSON field, so the wire value matches what
// replicas cache.
type Board struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	CreatedAt string `json:"createdAt"`
}

// Column belongs to exactly one board. Order is a float rank; siblings
// are kept in a dense total order via midpoint insertion.
type Column struct {
	ID      string  `json:"id"`
	BoardID string  `json:"boardId"`
	Name    string  `json:"name"`
	Order   float64 `json:"order"`
}

// Item belongs to exactly one column. BoardID is denormalized so a
// board's whole subtree can be found without walking columns.
type Item struct {
	ID       string  `json:"id"`
	ColumnID string  `json:"columnId"`
	BoardID  string  `json:"boardId"`
	Title    string  `json:"title"`
	Content  string  `json:"content,omitempty"`
	Order    float64 `json:"order"`
}

// ClientGroup represents one browser profile's set of replicas sharing a
// local mirror. Created lazily on first push, never deleted.
type ClientGroup struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
}

// Client is one logical replica. LastMutationID counts the mutations from
// that replica the server has durably applied; it is the sole ordering
// and deduplication mechanism.
type Client struct {
	ID             string `json:"id"`
	ClientGroupID  string `json:"clientGroupId"`
	LastMutationID int64  `json:"lastMutationId"`
}

// Entity is a stored record as the snapshot producer sees it: composite
// key plus the JSON value replicas cache verbatim.
type Entity struct {
	Key   string
	Value []byte
}

func BoardKey(id string) string  { return KindBoard + "/" + id }
func ColumnKey(id string) string { return KindColumn + "/" + id }
func ItemKey(id string) string   { return KindItem + "/" + id }

// SplitKey returns the kind and id halves of a composite key. The id is
// empty when the key has no separator.
func SplitKey(key string) (kind, id string) {
	kind, id, _ = strings.Cut(key, "/")
	return kind, id
}
