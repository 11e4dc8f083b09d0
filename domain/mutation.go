package domain

import "github.com/bytedance/sonic"

// MutationName is the closed set of operation kinds replicas may record.
type MutationName string

const (
	CreateBoard  MutationName = "createBoard"
	UpdateBoard  MutationName = "updateBoard"
	DeleteBoard  MutationName = "deleteBoard"
	CreateColumn MutationName = "createColumn"
	UpdateColumn MutationName = "updateColumn"
	DeleteColumn MutationName = "deleteColumn"
	CreateItem   MutationName = "createItem"
	UpdateItem   MutationName = "updateItem"
	DeleteItem   MutationName = "deleteItem"
)

// Known reports whether the name is part of the mutation set. Unknown
// names are a protocol error, not a silent skip.
func (n MutationName) Known() bool {
	switch n {
	case CreateBoard, UpdateBoard, DeleteBoard,
		CreateColumn, UpdateColumn, DeleteColumn,
		CreateItem, UpdateItem, DeleteItem:
		return true
	}
	return false
}

// Mutation is one recorded user intent. ID is a per-client sequence
// number starting at 1; Args carries the name-specific payload.
type Mutation struct {
	ID        int64                  `json:"id"`
	ClientID  string                 `json:"clientID"`
	Name      MutationName           `json:"name"`
	Args      sonic.NoCopyRawMessage `json:"args"`
	Timestamp int64                  `json:"timestamp"`
}

// BoardPatch carries partial board updates. Nil fields are left as is.
type BoardPatch struct {
	ID        string  `json:"id"`
	Name      *string `json:"name,omitempty"`
	Color     *string `json:"color,omitempty"`
	CreatedAt *string `json:"createdAt,omitempty"`
}

// ColumnPatch carries partial column updates.
type ColumnPatch struct {
	ID      string   `json:"id"`
	BoardID *string  `json:"boardId,omitempty"`
	Name    *string  `json:"name,omitempty"`
	Order   *float64 `json:"order,omitempty"`
}

// ItemPatch carries partial item updates. ColumnID moves the item to
// another column, the drag-and-drop path.
type ItemPatch struct {
	ID       string   `json:"id"`
	ColumnID *string  `json:"columnId,omitempty"`
	BoardID  *string  `json:"boardId,omitempty"`
	Title    *string  `json:"title,omitempty"`
	Content  *string  `json:"content,omitempty"`
	Order    *float64 `json:"order,omitempty"`
}
