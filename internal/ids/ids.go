// Package ids generates sortable identifiers for transient objects: hub
// connections, change events and requests. Durable entities use UUIDs.
package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Prefixed returns a new identifier tagged with kind, e.g. "conn_01J...".
func Prefixed(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return New()
	}
	return kind + "_" + New()
}

// Time reports when an identifier produced by New or Prefixed was minted.
func Time(id string) (time.Time, bool) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()).UTC(), true
}
