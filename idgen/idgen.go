// Package idgen mints the identifiers kungorelser hands out: run tokens,
// search job ids, audit entry ids and request trace ids.
//
// Code that mints ids takes a Generator so tests can swap in Sequential.
package idgen

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator returns a new unique id on every call.
type Generator func() string

// UUIDv7 ids sort by creation time, so run history can order on them.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Short returns 8 random hex characters. Good enough to tell apart the
// requests in one log stream, not for anything stored.
func Short() Generator {
	return func() string {
		u := uuid.New()
		return hex.EncodeToString(u[:4])
	}
}

func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequential yields prefix1, prefix2, ...
func Sequential(prefix string) Generator {
	var n atomic.Int64
	return func() string { return prefix + strconv.FormatInt(n.Add(1), 10) }
}

var Default = UUIDv7()

var (
	RunID   = Prefixed("run_", Default)
	JobID   = Prefixed("job_", Default)
	AuditID = Prefixed("aud_", Default)
	TraceID = Short()
)

// ID is a parsed prefixed UUIDv7 such as "run_0190...".
type ID struct {
	Prefix string
	UUID   uuid.UUID
}

// Parse splits id at its last underscore and validates the UUIDv7 after
// it. A bare UUIDv7 parses with an empty prefix.
func Parse(id string) (ID, error) {
	var out ID
	raw := id
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		out.Prefix, raw = id[:i+1], id[i+1:]
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return ID{}, fmt.Errorf("idgen: %q: %w", id, err)
	}
	if u.Version() != 7 {
		return ID{}, fmt.Errorf("idgen: %q: version %d, want 7", id, u.Version())
	}
	out.UUID = u
	return out, nil
}

// Time is when the id was minted, to the millisecond.
func (id ID) Time() time.Time {
	var ms [8]byte
	copy(ms[2:], id.UUID[:6])
	return time.UnixMilli(int64(binary.BigEndian.Uint64(ms[:])))
}

func (id ID) String() string { return id.Prefix + id.UUID.String() }
