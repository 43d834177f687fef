// Package arenalloc holds the contract shared by the arena allocators in the allocator package:
// the Allocator interface, the Block handles it returns, fit modes, the error taxonomy and the
// statistics and json helpers used to inspect an arena.
//
// The allocators themselves live in github.com/vkngwrapper/arenalloc/allocator. Each one manages a
// single contiguous buffer, acquired once from a parent Allocator, and keeps all of its bookkeeping
// inside that buffer.
package arenalloc
