// Package hierarchy holds the engine-wide, totally ordered permission
// hierarchy used by the checker's inheritance phase. It is
// configuration, not per-namespace schema: the chain is fixed at process
// startup, either to the compiled-in default or an operator-supplied
// override loaded from YAML.
package hierarchy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultChain is the default fixed relation order, highest first:
// owner(5) ⊇ admin(4) ⊇ editor(3) ⊇ commenter(2) ⊇ viewer(1).
var defaultChain = []string{"owner", "admin", "editor", "commenter", "viewer"}

// Chain is an immutable, totally ordered set of relation names. Relation
// strings outside the chain are caller-defined and participate only in
// direct matching and userset expansion, never inheritance.
type Chain struct {
	levels map[string]int
	order  []string
}

// Default returns the compiled-in chain.
func Default() *Chain {
	return newChain(defaultChain)
}

func newChain(order []string) *Chain {
	levels := make(map[string]int, len(order))
	n := len(order)
	for i, rel := range order {
		// Highest level is len(order); levels count down to 1.
		levels[rel] = n - i
	}
	return &Chain{levels: levels, order: append([]string(nil), order...)}
}

// overrideFile is the on-disk shape for a YAML hierarchy override, highest
// relation first, matching the compiled-in chain's ordering convention.
type overrideFile struct {
	Relations []string `yaml:"relations"`
}

// LoadFromFile reads a hierarchy override from a YAML file. The file must
// list relations from highest to lowest; a missing or unreadable file, a
// parse failure, or a file that declares no relations is an error.
func LoadFromFile(path string) (*Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: reading override %s: %w", path, err)
	}
	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("hierarchy: parsing override %s: %w", path, err)
	}
	if len(f.Relations) == 0 {
		return nil, fmt.Errorf("hierarchy: override %s declares no relations", path)
	}
	return newChain(f.Relations), nil
}

// Level returns the relation's level in the chain, and whether it is a
// chain member at all. Relations outside the chain return (0, false).
func (c *Chain) Level(relation string) (int, bool) {
	lvl, ok := c.levels[relation]
	return lvl, ok
}

// HigherThan returns every chain relation whose level strictly exceeds
// the given relation's level, ordered highest-first. If relation is not a
// chain member, it has no higher relations (only direct match and
// userset expansion apply to it).
func (c *Chain) HigherThan(relation string) []string {
	lvl, ok := c.levels[relation]
	if !ok {
		return nil
	}
	higher := make([]string, 0, len(c.order))
	for _, rel := range c.order {
		if c.levels[rel] > lvl {
			higher = append(higher, rel)
		}
	}
	return higher
}
