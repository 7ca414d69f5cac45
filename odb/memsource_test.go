package odb

import (
	"fmt"

	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
)

// memSource is an in-memory Source used across odb tests, keyed by OID.
type memSource struct {
	algo    hash.Algorithm
	objects map[string]storedObject
}

type storedObject struct {
	kind    object.Kind
	payload []byte
}

func newMemSource(algo hash.Algorithm) *memSource {
	return &memSource{algo: algo, objects: make(map[string]storedObject)}
}

func (m *memSource) put(obj object.Object) hash.OID {
	full, err := object.Encode(obj)
	if err != nil {
		panic(err)
	}
	oid := m.algo.Sum(full)
	kind, payload, err := object.DecodeCanonical(full)
	if err != nil {
		panic(err)
	}
	m.objects[oid.String()] = storedObject{kind: kind, payload: payload}
	return oid
}

func (m *memSource) Read(oid hash.OID) (object.Kind, []byte, error) {
	o, ok := m.objects[oid.String()]
	if !ok {
		return object.KindInvalid, nil, fmt.Errorf("memSource: %s not found", oid)
	}
	return o.kind, o.payload, nil
}
