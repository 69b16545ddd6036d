package treetext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeOrderAndReplace(t *testing.T) {
	n := NewNode()
	n.SetLeaf("b", "1")
	n.SetLeaf("a", "2")
	n.SetLeaf("b", "3")

	assert.Equal(t, []string{"b", "a"}, n.Keys())
	v, _ := n.Get("b")
	assert.Equal(t, []string{"3"}, v.Leaf)
}

func TestFolderGetOrCreate(t *testing.T) {
	n := NewNode()
	f := n.Folder("x")
	f.SetLeaf("y", "1")
	assert.Same(t, f, n.Folder("x"))

	n.SetLeaf("z", "leaf")
	z := n.Folder("z")
	assert.Equal(t, 0, z.Len())
	v, _ := n.Get("z")
	assert.True(t, v.IsFolder())
}

func TestEqualIgnoresOrder(t *testing.T) {
	a := NewNode()
	a.SetLeaf("x", "1")
	a.Folder("f").SetLeaf("y", "2")

	b := NewNode()
	b.Folder("f").SetLeaf("y", "2")
	b.SetLeaf("x", "1")
	assert.True(t, Equal(a, b))

	b.Folder("f").SetLeaf("y", "3")
	assert.False(t, Equal(a, b))
}
