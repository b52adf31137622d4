// Package ident generates the prefixed, sortable identifiers persisted by
// rostercore: {prefix}-{YYYYMMDDHHmmss}-{XXX} with a random 3-character
// uppercase alphanumeric suffix. The second-resolution timestamp keeps IDs
// sortable; the random suffix keeps collisions negligible when concurrent,
// stateless callers mint IDs in the same second.
package ident

import (
	"crypto/rand"
	"regexp"
	"time"
)

// Prefix selects the entity family an identifier belongs to.
type Prefix string

// Persisted identifier prefixes.
const (
	Member   Prefix = "M"
	Fee      Prefix = "F"
	Group    Prefix = "G"
	Relation Prefix = "R"
)

const (
	alphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	suffixLength = 3
	stampLayout  = "20060102150405"
)

var idPattern = regexp.MustCompile(`^[A-Z]-\d{14}-[A-Z0-9]{3}$`)

// Generator mints identifiers using an injectable clock.
type Generator struct {
	now func() time.Time
}

// NewGenerator returns a generator using the provided clock, or the system
// clock when now is nil.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// New returns a fresh identifier for the prefix.
func (g *Generator) New(prefix Prefix) string {
	stamp := g.now().UTC().Format(stampLayout)
	return string(prefix) + "-" + stamp + "-" + randomSuffix()
}

// New returns a fresh identifier for the prefix using the system clock.
func New(prefix Prefix) string {
	return NewGenerator(nil).New(prefix)
}

// Matches reports whether id has the canonical shape and the given prefix.
func Matches(id string, prefix Prefix) bool {
	if !idPattern.MatchString(id) {
		return false
	}
	return Prefix(id[:1]) == prefix
}

func randomSuffix() string {
	var buf [suffixLength]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	out := make([]byte, suffixLength)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}
