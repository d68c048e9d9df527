package mpt

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/monad-mpt/monad-mpt/pkg/nibbles"
)

// validateUpdateList checks that updates are sorted ascending by key with
// no duplicates, the precondition Upsert relies on to apply a batch in a
// single pass without re-sorting.
func validateUpdateList(updates *UpdateList) error {
	for i := 1; i < updates.Len(); i++ {
		cmp := bytes.Compare(updates.Updates[i-1].Key, updates.Updates[i].Key)
		if cmp == 0 {
			return fmt.Errorf("%w: duplicate key at index %d", ErrInvalidUpdateList, i)
		}
		if cmp > 0 {
			return fmt.Errorf("%w: key out of order at index %d", ErrInvalidUpdateList, i)
		}
	}
	return nil
}

// ApplyUpdateList applies every mutation in updates to root in order,
// returning the new root. A nil Value with no Next erases the key; a
// non-nil Value upserts it; a non-empty Next additionally (or, with a nil
// Value, exclusively) applies updates within the subtree rooted at that
// key. This is the logical (in-memory, no I/O) half of a commit; the
// caller is responsible for flushing the returned graph to disk.
func ApplyUpdateList(ctx context.Context, src NodeSource, root *Node, updates *UpdateList) (*Node, error) {
	if err := validateUpdateList(updates); err != nil {
		return nil, err
	}

	cur := root
	for _, u := range updates.Updates {
		newRoot, err := applyUpdate(ctx, src, cur, u)
		if err != nil {
			return nil, err
		}
		cur = newRoot
	}

	return cur, nil
}

// applyUpdate applies one mutation, including its nested subtree updates
// if any, to root.
func applyUpdate(ctx context.Context, src NodeSource, root *Node, u Update) (*Node, error) {
	key := nibbles.FromBytes(u.Key)

	if u.Value == nil && u.Next.Len() == 0 {
		newRoot, _, err := Erase(ctx, src, root, key)
		if err != nil {
			return nil, err
		}
		return newRoot, nil
	}

	cur := root
	if u.Value != nil {
		var err error
		cur, err = Upsert(ctx, src, cur, key, u.Value)
		if err != nil {
			return nil, err
		}
	}

	if u.Next.Len() == 0 {
		return cur, nil
	}

	sub, err := nodeAt(ctx, src, cur, key)
	if err != nil {
		return nil, err
	}

	newSub, err := ApplyUpdateList(ctx, src, sub, u.Next)
	if err != nil {
		return nil, err
	}

	return replaceNodeAt(ctx, src, cur, key, newSub)
}

// nodeAt returns the node at key within the tree rooted at root, or nil if
// none exists; unlike findNodeAt, a missing node is not an error.
func nodeAt(ctx context.Context, src NodeSource, root *Node, key nibbles.View) (*Node, error) {
	n, err := findNodeAt(ctx, src, root, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// replaceNodeAt splices sub into the tree rooted at root at key, removing
// whatever was there first (sub == nil just removes it). It is the same
// erase-then-graft shape CopyNode uses, here to put a nested subtree back
// after applying updates to it in isolation.
func replaceNodeAt(ctx context.Context, src NodeSource, root *Node, key nibbles.View, sub *Node) (*Node, error) {
	withoutKey, _, err := eraseSubtreeAt(ctx, src, root, key)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return withoutKey, nil
	}
	if withoutKey == nil {
		g := sub.Clone()
		g.Path = key
		g.invalidate()
		return g, nil
	}
	return graftInto(ctx, src, withoutKey, key, sub)
}
