// Package tier holds the subscription tier table and resolves which tier an
// identity belongs to.
package tier

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Free is the tier limiters fall back to when asked about an unknown tier.
const Free = "free"

// Tier is a named quota class: at most Limit operations per Period.
type Tier struct {
	Name   string
	Limit  int
	Period time.Duration
}

// Table is the process-wide tier configuration. It is built once and never
// mutated, so it is safe to share between goroutines.
type Table struct {
	tiers    map[string]Tier
	def      string
	testKeys map[string]string
}

// NewTable validates tiers and builds a Table. testKeys is a comma separated
// list of identity:tier pairs, parsed with ParseTestKeys.
func NewTable(tiers []Tier, defaultTier, testKeys string) (*Table, error) {
	if len(tiers) == 0 {
		return nil, errors.New("tier: no tiers configured")
	}
	m := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		switch {
		case t.Name == "":
			return nil, errors.New("tier: empty tier name")
		case t.Limit <= 0:
			return nil, fmt.Errorf("tier %q: limit must be positive, got %d", t.Name, t.Limit)
		case t.Period < time.Second:
			return nil, fmt.Errorf("tier %q: period must be at least 1s, got %v", t.Name, t.Period)
		}
		if _, dup := m[t.Name]; dup {
			return nil, fmt.Errorf("tier %q: configured twice", t.Name)
		}
		t.Period = t.Period.Truncate(time.Second)
		m[t.Name] = t
	}
	if _, ok := m[defaultTier]; !ok {
		return nil, fmt.Errorf("tier: default tier %q is not configured", defaultTier)
	}
	tbl := &Table{tiers: m, def: defaultTier}
	tbl.testKeys = ParseTestKeys(testKeys, tbl.Valid)
	return tbl, nil
}

// ParseTestKeys parses "identity:tier,identity:tier". Blank entries, entries
// without a colon or with an empty identity, and entries whose tier fails valid
// are dropped silently.
func ParseTestKeys(s string, valid func(string) bool) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		id, name, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if id == "" || !valid(name) {
			continue
		}
		out[id] = name
	}
	return out
}

// Lookup returns the tier called name.
func (t *Table) Lookup(name string) (Tier, bool) {
	tr, ok := t.tiers[name]
	return tr, ok
}

// Valid reports whether name is a configured tier.
func (t *Table) Valid(name string) bool {
	_, ok := t.tiers[name]
	return ok
}

// Default returns the configured default tier.
func (t *Table) Default() Tier {
	return t.tiers[t.def]
}

// Fallback returns the tier called name, or the free tier if name is not
// configured, or the default tier if free is not configured either.
func (t *Table) Fallback(name string) Tier {
	if tr, ok := t.tiers[name]; ok {
		return tr
	}
	if tr, ok := t.tiers[Free]; ok {
		return tr
	}
	return t.Default()
}

// TestKey returns the tier statically mapped to identity, if any.
func (t *Table) TestKey(identity string) (string, bool) {
	name, ok := t.testKeys[identity]
	return name, ok
}

// Names returns the configured tier names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.tiers))
	for n := range t.tiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Tiers returns every configured tier sorted by name.
func (t *Table) Tiers() []Tier {
	out := make([]Tier, 0, len(t.tiers))
	for _, n := range t.Names() {
		out = append(out, t.tiers[n])
	}
	return out
}
