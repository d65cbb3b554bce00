// Package layout decodes the bit-level representation of the managed heap:
// tagged references, object headers and the code-object function table.
//
// Nothing in this package touches memory. Callers read words from a heap
// and hand them in; the gc package builds its dispatch tables on top of
// the accessors defined here.
package layout
