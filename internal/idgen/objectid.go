// Package idgen generates the unique _id spec.md §3 requires when a
// document is inserted without one. Adapted from the teacher's
// pkg/document/objectid.go: a 12-byte [timestamp|process-unique|
// counter] identifier, hex-encoded for use as a document _id string.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"
)

var counter uint32
var processUnique [5]byte

func init() {
	rand.Read(processUnique[:])
}

// New returns a new globally-unique, lexicographically-increasing (by
// insertion time) document id.
func New() string {
	var id [12]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], processUnique[:])
	n := atomic.AddUint32(&counter, 1)
	id[9] = byte(n >> 16)
	id[10] = byte(n >> 8)
	id[11] = byte(n)
	return hex.EncodeToString(id[:])
}
