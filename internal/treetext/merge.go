package treetext

import "slices"

// Merge folds src into dst and returns the number of leaves added or
// changed. New keys are appended, colliding leaves take src's value,
// colliding folders merge recursively, and a key that is a leaf on one side
// and a folder on the other takes src's value. Keys are never removed.
func Merge(dst, src *Node) int {
	changed := 0
	for _, key := range src.keys {
		sv := src.entries[key]
		dv, exists := dst.entries[key]

		switch {
		case !exists:
			dst.Set(key, clone(sv))
			changed += count(sv)
		case sv.IsFolder() && dv.IsFolder():
			changed += Merge(dv.Folder, sv.Folder)
		case !sv.IsFolder() && !dv.IsFolder():
			if !slices.Equal(sv.Leaf, dv.Leaf) {
				dst.Set(key, clone(sv))
				changed++
			}
		default:
			dst.Set(key, clone(sv))
			changed += count(sv)
		}
	}
	return changed
}

func count(v Value) int {
	if v.IsFolder() {
		return v.Folder.Leaves()
	}
	return 1
}

func clone(v Value) Value {
	if !v.IsFolder() {
		return Leaf(slices.Clone(v.Leaf)...)
	}
	out := NewNode()
	for _, key := range v.Folder.keys {
		out.Set(key, clone(v.Folder.entries[key]))
	}
	return Value{Folder: out}
}
