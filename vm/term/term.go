// Package term serializes heap terms. A term is flattened into a table of
// nodes in which every cell appears once; shared and cyclic substructure
// becomes references between nodes. The table is CBOR encoded, so code
// modules and message payloads travel as the same format.
package term

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version is written into every encoded term.
const Version = 1

// None marks an absent reference in Node.Refs.
const None = -1

// Node is one cell of a flattened term.
//
//	var      no fields (always unbound; bound variables are followed)
//	int      Int
//	float    Float (negative zero as its bits in Words)
//	char     Int
//	symbol   Text
//	string   Text
//	pair     Refs: head, tail
//	cons     Refs: functor, fields...
//	tuple    Refs: fields...
//	any      Refs: type, value
//	code     Words: arity, kind, locals, instructions...; Int: literal count;
//	         Refs: signature, literals...
type Node struct {
	Tag   uint8    `cbor:"1,keyasint"`
	Int   int64    `cbor:"2,keyasint,omitempty"`
	Float float64  `cbor:"3,keyasint,omitempty"`
	Text  string   `cbor:"4,keyasint,omitempty"`
	Words []uint64 `cbor:"5,keyasint,omitempty"`
	Refs  []int    `cbor:"6,keyasint,omitempty"`
}

// Term is an encoded term: its nodes and the index of the root node.
type Term struct {
	Version uint8  `cbor:"1,keyasint"`
	Root    int    `cbor:"2,keyasint"`
	Nodes   []Node `cbor:"3,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("term: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes a node table to CBOR bytes.
func Marshal(t *Term) ([]byte, error) {
	return cborEncMode.Marshal(t)
}

// Unmarshal deserializes a node table from CBOR bytes.
func Unmarshal(data []byte) (*Term, error) {
	var t Term
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("term: unmarshal: %w", err)
	}
	return &t, nil
}
