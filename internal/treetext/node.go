// Package treetext converts between an ordered nested mapping and the
// indentation-delimited text consumed by the address-tree storage driver.
//
// A key maps either to a leaf, one to three strings, or to a folder. Leaves
// render as "key:v1[:v2[:v3]]" and folders as "key:" followed by their
// children indented two spaces deeper.
package treetext

import "slices"

// Value is either a leaf or a folder. Exactly one of Leaf and Folder is set.
type Value struct {
	Leaf   []string
	Folder *Node
}

// IsFolder reports whether v holds a folder.
func (v Value) IsFolder() bool {
	return v.Folder != nil
}

// Leaf returns a leaf value.
func Leaf(values ...string) Value {
	return Value{Leaf: values}
}

// Node is an ordered mapping. Keys keep their first-insertion order.
type Node struct {
	keys    []string
	entries map[string]Value
}

// NewNode returns an empty folder.
func NewNode() *Node {
	return &Node{entries: make(map[string]Value)}
}

// Set stores v under key. Replacing an existing key keeps its position.
func (n *Node) Set(key string, v Value) {
	if _, ok := n.entries[key]; !ok {
		n.keys = append(n.keys, key)
	}
	n.entries[key] = v
}

// SetLeaf stores a leaf under key.
func (n *Node) SetLeaf(key string, values ...string) {
	n.Set(key, Leaf(values...))
}

// Folder returns the folder stored under key, creating it when the key is
// absent or holds a leaf.
func (n *Node) Folder(key string) *Node {
	if v, ok := n.entries[key]; ok && v.IsFolder() {
		return v.Folder
	}
	child := NewNode()
	n.Set(key, Value{Folder: child})
	return child
}

// Get returns the value stored under key.
func (n *Node) Get(key string) (Value, bool) {
	v, ok := n.entries[key]
	return v, ok
}

// Keys returns the keys in order.
func (n *Node) Keys() []string {
	return slices.Clone(n.keys)
}

// Len is the number of direct children.
func (n *Node) Len() int {
	return len(n.keys)
}

// Leaves counts leaves at every depth.
func (n *Node) Leaves() int {
	total := 0
	for _, key := range n.keys {
		v := n.entries[key]
		if v.IsFolder() {
			total += v.Folder.Leaves()
		} else {
			total++
		}
	}
	return total
}

// Equal reports whether a and b hold the same keys and values. Key order
// is ignored.
func Equal(a, b *Node) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, key := range a.keys {
		av := a.entries[key]
		bv, ok := b.entries[key]
		if !ok || av.IsFolder() != bv.IsFolder() {
			return false
		}
		if av.IsFolder() {
			if !Equal(av.Folder, bv.Folder) {
				return false
			}
			continue
		}
		if !slices.Equal(av.Leaf, bv.Leaf) {
			return false
		}
	}
	return true
}
