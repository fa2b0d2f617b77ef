package ledger

import (
	"encoding/binary"

	"PulseNebula/internal/fhe"
)

// Key prefixes for storage.
var (
	prefixSample = []byte("s:") // s:<id> -> Sample flatbuffer
	prefixOwner  = []byte("o:") // o:<owner>:<id> -> empty
	prefixGrant  = []byte("g:") // g:<target>:<grantee> -> empty, target 0 is the aggregate
	prefixHandle = []byte("h:") // h:<handle> -> id
	prefixMeta   = []byte("m:") // m:nextId -> uint64, m:aggregate -> Aggregate flatbuffer
)

var (
	keyNextID    = append(append([]byte(nil), prefixMeta...), "nextId"...)
	keyAggregate = append(append([]byte(nil), prefixMeta...), "aggregate"...)
)

// aggregateTarget is the grant target id of the collective aggregate.
const aggregateTarget uint64 = 0

// makeSampleKey creates a key for a sample record.
func makeSampleKey(id uint64) []byte {
	key := make([]byte, len(prefixSample)+8)
	copy(key, prefixSample)
	binary.BigEndian.PutUint64(key[len(prefixSample):], id)

	return key
}

// makeOwnerPrefix creates the scan prefix of an owner's index.
func makeOwnerPrefix(owner fhe.Address) []byte {
	key := make([]byte, len(prefixOwner)+32)
	copy(key, prefixOwner)
	copy(key[len(prefixOwner):], owner[:])

	return key
}

// makeOwnerKey creates an owner index entry. Big-endian ids keep insertion order.
func makeOwnerKey(owner fhe.Address, id uint64) []byte {
	return binary.BigEndian.AppendUint64(makeOwnerPrefix(owner), id)
}

// makeGrantKey creates a key for a grant on target.
func makeGrantKey(target uint64, grantee fhe.Address) []byte {
	key := make([]byte, len(prefixGrant)+8+32)
	copy(key, prefixGrant)
	binary.BigEndian.PutUint64(key[len(prefixGrant):], target)
	copy(key[len(prefixGrant)+8:], grantee[:])

	return key
}

// makeHandleKey creates a key mapping a ciphertext handle to its sample.
func makeHandleKey(h fhe.Handle) []byte {
	key := make([]byte, len(prefixHandle)+32)
	copy(key, prefixHandle)
	copy(key[len(prefixHandle):], h[:])

	return key
}

// encodeUint64 encodes v as 8 big-endian bytes.
func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
