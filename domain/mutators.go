package domain

import (
	"encoding/json"
	"fmt"
)

// WriteTx is the write surface a reducer runs against. The client mirror
// and the server's storage transaction both implement it, so mutation
// semantics exist in exactly one place.
type WriteTx interface {
	// Get returns the stored JSON value for the key, with ok=false when
	// the key is absent.
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Del(key string) error
}

// Apply runs the reducer for the named mutation against tx. Args is the
// raw JSON payload recorded with the mutation. Reducers return
// ErrNotFound for updates and deletes of missing records and
// ErrAlreadyExists for duplicate creates; malformed args fail decode.
func Apply(tx WriteTx, name MutationName, args []byte) error {
	switch name {
	case CreateBoard:
		var b Board
		if err := json.Unmarshal(args, &b); err != nil {
			return fmt.Errorf("%s args: %w", name, err)
		}
		return create(tx, BoardKey(b.ID), b)
	case UpdateBoard:
		var p BoardPatch
		if err := json.Unmarshal(args, &p); err != nil {
			return fmt.Errorf("%s args: %w", name, err)
		}
		return update(tx, BoardKey(p.ID), func(b *Board) {
			if p.Name != nil {
				b.Name = *p.Name
			}
			if p.Color != nil {
				b.Color = *p.Color
			}
			if p.CreatedAt != nil {
				b.CreatedAt = *p.CreatedAt
			}
		})
	case DeleteBoard:
		return deleteByID(tx, args, BoardKey)
	case CreateColumn:
		var c Column
		if err := json.Unmarshal(args, &c); err != nil {
			return fmt.Errorf("%s args: %w", name, err)
		}
		return create(tx, ColumnKey(c.ID), c)
	case UpdateColumn:
		var p ColumnPatch
		if err := json.Unmarshal(args, &p); err != nil {
			return fmt.Errorf("%s args: %w", name, err)
		}
		return update(tx, ColumnKey(p.ID), func(c *Column) {
			if p.BoardID != nil {
				c.BoardID = *p.BoardID
			}
			if p.Name != nil {
				c.Name = *p.Name
			}
			if p.Order != nil {
				c.Order = *p.Order
			}
		})
	case DeleteColumn:
		return deleteByID(tx, args, ColumnKey)
	case CreateItem:
		var it Item
		if err := json.Unmarshal(args, &it); err != nil {
			return fmt.Errorf("%s args: %w", name, err)
		}
		return create(tx, ItemKey(it.ID), it)
	case UpdateItem:
		var p ItemPatch
		if err := json.Unmarshal(args, &p); err != nil {
			return fmt.Errorf("%s args: %w", name, err)
		}
		return update(tx, ItemKey(p.ID), func(it *Item) {
			if p.ColumnID != nil {
				it.ColumnID = *p.ColumnID
			}
			if p.BoardID != nil {
				it.BoardID = *p.BoardID
			}
			if p.Title != nil {
				it.Title = *p.Title
			}
			if p.Content != nil {
				it.Content = *p.Content
			}
			if p.Order != nil {
				it.Order = *p.Order
			}
		})
	case DeleteItem:
		return deleteByID(tx, args, ItemKey)
	default:
		return fmt.Errorf("unknown mutation %q", name)
	}
}

func create[T any](tx WriteTx, key string, v T) error {
	if _, ok, err := tx.Get(key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Set(key, data)
}

func update[T any](tx WriteTx, key string, merge func(*T)) error {
	raw, ok, err := tx.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	merge(&v)
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Set(key, data)
}

// deleteByID handles the delete mutations, whose args are the bare JSON
// string id rather than an object.
func deleteByID(tx WriteTx, args []byte, key func(string) string) error {
	var id string
	if err := json.Unmarshal(args, &id); err != nil {
		return fmt.Errorf("delete args: %w", err)
	}
	k := key(id)
	if _, ok, err := tx.Get(k); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: %w", k, ErrNotFound)
	}
	return tx.Del(k)
}
