// Copyright 2026 The Grove Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsdir implements the in-memory namespace tree of the grove
// metadata server: a hierarchy of directories and files, where each
// file carries a replication factor and the list of blocks composing
// its contents.
//
// The tree performs no locking. Callers serialize access to it, as
// they do for the image persistence layer that loads and saves it.
package fsdir

import (
	"fmt"
	"sort"

	"grovefs.io/errors"
	"grovefs.io/grove"
	"grovefs.io/path"
)

// Node is a single node in the namespace tree: a directory or a file.
// Directories own their children exclusively; every node except the
// root holds a non-owning reference to its parent.
type Node struct {
	name        string           // Last element of the node's path; unique among siblings.
	parent      *Node            // Nil only for the root.
	kids        map[string]*Node // Nil for files.
	dir         bool
	replication uint16        // Meaningful for files; the slot exists for all nodes.
	blocks      []grove.Block // Empty for directories.
}

// Tree is the namespace tree. A new tree contains only the root
// directory and has no namespace identity.
type Tree struct {
	root        *Node
	namespaceID uint32 // 0 means unset.
}

// New creates an empty Tree.
func New() *Tree {
	return &Tree{
		root: &Node{
			dir:  true,
			kids: make(map[string]*Node),
		},
	}
}

// Root returns the root directory node.
func (t *Tree) Root() *Node {
	return t.root
}

// NamespaceID returns the persistent identity of the namespace,
// or 0 if none has been assigned yet.
func (t *Tree) NamespaceID() uint32 {
	return t.namespaceID
}

// SetNamespaceID sets the persistent identity of the namespace.
func (t *Tree) SetNamespaceID(id uint32) {
	t.namespaceID = id
}

// NodeCount returns the number of nodes in the tree, the root included.
func (t *Tree) NodeCount() int {
	return t.root.count()
}

func (n *Node) count() int {
	c := 1
	for _, kid := range n.kids {
		c += kid.count()
	}
	return c
}

// InsertUnconditional inserts a node at the given path, creating any
// missing intermediate path elements as directories. It performs no
// validation beyond parsing the name: the image and edit log loaders
// that call it are trusted. A node with no blocks is a directory.
// An existing directory at the final element is kept (its children
// survive); anything else there is replaced.
func (t *Tree) InsertUnconditional(name grove.PathName, blocks []grove.Block, replication uint16) (*Node, error) {
	const op = "fsdir.InsertUnconditional"
	p, err := path.Parse(name)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, name, err)
	}
	if p.IsRoot() {
		return nil, errors.E(op, errors.Invalid, name, errors.Str("cannot insert the root"))
	}
	n := t.root
	for i := 0; i < p.NElem()-1; i++ {
		n = n.mkdir(p.Elem(i))
	}
	elem := p.Elem(p.NElem() - 1)
	if len(blocks) == 0 {
		kid := n.mkdir(elem)
		kid.replication = replication
		return kid, nil
	}
	kid := &Node{
		name:        elem,
		parent:      n,
		replication: replication,
		blocks:      blocks,
	}
	n.kids[elem] = kid
	return kid, nil
}

// mkdir returns the directory child of n with the given name, creating
// it if absent and replacing any file in the way. n must be a directory.
func (n *Node) mkdir(elem string) *Node {
	kid := n.kids[elem]
	if kid != nil && kid.dir {
		return kid
	}
	kid = &Node{
		name:   elem,
		parent: n,
		dir:    true,
		kids:   make(map[string]*Node),
	}
	n.kids[elem] = kid
	return kid
}

// Remove removes the node at the given path and, for a directory, the
// subtree below it. It reports whether a node was removed.
func (t *Tree) Remove(name grove.PathName) bool {
	n := t.Lookup(name)
	if n == nil || n.parent == nil {
		return false
	}
	delete(n.parent.kids, n.name)
	n.parent = nil
	return true
}

// Lookup returns the node at the given path, or nil if there is none.
func (t *Tree) Lookup(name grove.PathName) *Node {
	p, err := path.Parse(name)
	if err != nil {
		return nil
	}
	n := t.root
	for i := 0; i < p.NElem(); i++ {
		if n.kids == nil {
			return nil
		}
		n = n.kids[p.Elem(i)]
		if n == nil {
			return nil
		}
	}
	return n
}

// Name returns the last element of the node's path.
func (n *Node) Name() string {
	return n.name
}

// Parent returns the node's containing directory, or nil for the root.
func (n *Node) Parent() *Node {
	return n.parent
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool {
	return n.dir
}

// Replication returns the node's replication factor.
func (n *Node) Replication() uint16 {
	return n.replication
}

// SetReplication sets the node's replication factor.
func (n *Node) SetReplication(r uint16) {
	n.replication = r
}

// Blocks returns the blocks composing the node's contents.
// It is empty for directories.
func (n *Node) Blocks() []grove.Block {
	return n.blocks
}

// Children returns the node's children sorted by name. The sorted
// order makes tree walks, and therefore saved images, deterministic.
func (n *Node) Children() []*Node {
	if len(n.kids) == 0 {
		return nil
	}
	kids := make([]*Node, 0, len(n.kids))
	for _, kid := range n.kids {
		kids = append(kids, kid)
	}
	sort.Slice(kids, func(i, j int) bool { return kids[i].name < kids[j].name })
	return kids
}

// PathName returns the full rooted path of the node, reconstructed
// from the parent references.
func (n *Node) PathName() grove.PathName {
	if n.parent == nil {
		return "/"
	}
	return path.Join(n.parent.PathName(), n.name)
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("node: %q, dir: %v, kids: %d", n.PathName(), n.dir, len(n.kids))
}
