// Package rangetree implements a range-coalescing red-black tree over
// a fixed-size node arena. It tracks a dynamic set of uint32 values as
// maximal consecutive ranges: inserting an adjacent value grows or
// fuses ranges instead of adding a node, and deleting a value from the
// middle of a range splits it. No operation allocates once Create has
// built the arena.
package rangetree
