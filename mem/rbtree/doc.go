// Package rbtree implements an intrusive red-black tree keyed by uint64.
//
// Callers embed a Node[T] in their own struct and point its Value back at
// that struct. The tree never allocates: inserting, removing and searching
// only rewire links inside nodes the caller already owns. This lets the
// allocators in this module index their own metadata without any memory
// of their own.
//
// Ordering is supplied by a Compare function so callers can search by a
// key that is not literally stored in the node. CompareKeys orders by the
// stored key and is the default.
//
// Each node carries one caller-usable flag bit that the tree ignores. The
// range allocator uses it to mark free nodes.
//
// Misuse (inserting a linked node, removing a node from a tree that does
// not hold it) panics.
package rbtree
