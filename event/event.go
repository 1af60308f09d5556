// Package event provides the append-only, schema-validated event log that
// every engine component emits into and adjacent modules subscribe to.
//
// Events carry a versioned type ("domain.action.vN"), an actor, and a typed
// payload. Payloads are validated against a registered schema on emit;
// unknown types are rejected. Delivery to subscribers is at-least-once and
// handlers must be idempotent.
package event

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/flowmesh/flowmesh-go/value"
)

// Event is one record in the log.
type Event struct {
	// Type is the versioned event type, e.g. "execution.started.v1".
	Type string `json:"type"`

	// Version is the schema version parsed from Type ("v1" → 1).
	Version int `json:"version"`

	// ID uniquely identifies this event (uuid).
	ID string `json:"id"`

	// Time is the emission timestamp.
	Time time.Time `json:"time"`

	// Actor is the external identity on whose behalf the event was emitted.
	Actor string `json:"actor"`

	// Payload is the schema-validated event body.
	Payload value.Value `json:"payload"`

	// CorrelationID ties the event to a request or execution, when known.
	CorrelationID string `json:"correlation_id,omitempty"`
}

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z][a-z0-9_-]*)+\.v([0-9]+)$`)

// ParseType splits a versioned event type into its base name and version.
// Returns an error if typ is not of the form "domain.action.vN".
func ParseType(typ string) (base string, version int, err error) {
	m := typePattern.FindStringSubmatch(typ)
	if m == nil {
		return "", 0, fmt.Errorf("event: malformed type %q (want domain.action.vN)", typ)
	}
	if _, err := fmt.Sscanf(m[len(m)-1], "%d", &version); err != nil {
		return "", 0, fmt.Errorf("event: malformed version in %q", typ)
	}
	idx := strings.LastIndex(typ, ".v")
	return typ[:idx], version, nil
}

// MatchGlob reports whether an event type matches a subscription pattern.
//
// Patterns are dot-separated segments. A "*" segment matches exactly one
// segment; a trailing "*" matches the remainder of the type, so
// "execution.*" matches every execution event regardless of depth.
// The bare pattern "*" matches everything.
func MatchGlob(pattern, typ string) bool {
	if pattern == "*" {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(typ, ".")
	for i, p := range ps {
		if p == "*" && i == len(ps)-1 {
			// Trailing wildcard swallows the rest.
			return len(ts) > i || len(ts) == i
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
