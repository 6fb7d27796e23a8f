package snapshot

import (
	"slices"
	"sort"
	"sync"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

// Tree indexes snapshots by id. Lineage is stored as ids in an arena so
// roots, children and ancestry are always computed from the index.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string]*Snapshot
}

func NewTree() *Tree {
	return &Tree{nodes: make(map[string]*Snapshot)}
}

// Add inserts s. The parent, when set, must already be present, which is
// what keeps the structure acyclic.
func (t *Tree) Add(s Snapshot) error {
	if s.ID == "" {
		return errors.NotValidf("empty snapshot id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[s.ID]; ok {
		return errors.AlreadyExistsf("snapshot %q", s.ID)
	}
	if s.ParentID == s.ID {
		return errors.WithType(errors.NotValidf("snapshot %q as its own parent", s.ID), ErrInvalidRelationship)
	}

	node := s.clone()
	node.ChildIDs = nil
	if node.ParentID != "" {
		parent, ok := t.nodes[node.ParentID]
		if !ok {
			return errors.Annotatef(notFound(node.ParentID), "parent of %q", s.ID)
		}
		parent.ChildIDs = append(parent.ChildIDs, node.ID)
	}
	t.nodes[node.ID] = &node
	return nil
}

func (t *Tree) Get(id string) (Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return Snapshot{}, notFound(id)
	}
	return n.clone(), nil
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// All returns every snapshot ordered by creation time, oldest first.
func (t *Tree) All() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.collect(func(*Snapshot) bool { return true })
}

func (t *Tree) Roots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.collect(func(n *Snapshot) bool { return n.ParentID == "" })
}

func (t *Tree) collect(keep func(*Snapshot) bool) []Snapshot {
	out := make([]Snapshot, 0, len(t.nodes))
	for _, n := range t.nodes {
		if keep(n) {
			out = append(out, n.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *Tree) Children(id string) ([]Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	out := make([]Snapshot, 0, len(n.ChildIDs))
	for _, cid := range n.ChildIDs {
		c, ok := t.nodes[cid]
		if !ok {
			return nil, t.corrupt("child %q of %q missing from index", cid, id)
		}
		out = append(out, c.clone())
	}
	return out, nil
}

// Parent returns nil for a root.
func (t *Tree) Parent(id string) (*Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	if n.ParentID == "" {
		return nil, nil
	}
	p, ok := t.nodes[n.ParentID]
	if !ok {
		return nil, t.corrupt("parent %q of %q missing from index", n.ParentID, id)
	}
	c := p.clone()
	return &c, nil
}

// PathTo returns the lineage from the root down to id inclusive.
func (t *Tree) PathTo(id string) ([]Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, notFound(id)
	}

	seen := map[string]bool{}
	var path []Snapshot
	for {
		if seen[n.ID] {
			return nil, t.corrupt("cycle through %q while resolving %q", n.ID, id)
		}
		seen[n.ID] = true
		path = append(path, n.clone())
		if n.ParentID == "" {
			break
		}
		p, ok := t.nodes[n.ParentID]
		if !ok {
			return nil, t.corrupt("dangling parent %q of %q", n.ParentID, n.ID)
		}
		n = p
	}
	slices.Reverse(path)
	return path, nil
}

// Remove deletes a leaf snapshot and drops it from its parent's children.
func (t *Tree) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return notFound(id)
	}
	if len(n.ChildIDs) > 0 {
		return errors.WithType(
			errors.NotValidf("removing snapshot %q with %d children", id, len(n.ChildIDs)),
			ErrInvalidRelationship,
		)
	}
	if p, ok := t.nodes[n.ParentID]; ok {
		p.ChildIDs = slices.DeleteFunc(p.ChildIDs, func(c string) bool { return c == id })
	}
	delete(t.nodes, id)
	return nil
}

func (t *Tree) corrupt(format string, args ...interface{}) error {
	err := errors.WithType(errors.Errorf(format, args...), ErrCorruptTree)
	log.WithError(err).Error("snapshot tree invariant violated")
	return err
}
