// Package selector chooses which backend handles a stage for a document.
// Selection is a pure function of its inputs: no side effects, no I/O.
package selector

import (
	"errors"
	"fmt"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

// ErrNoEligibleBackend is returned when neither a rule nor the default
// yields a usable backend.
var ErrNoEligibleBackend = errors.New("no eligible backend")

// Predicate is a conjunction of conditions over a document profile. Zero
// fields impose no condition.
type Predicate struct {
	Languages  []string `yaml:"languages"`
	MinQuality float64  `yaml:"minQuality"`
	MaxQuality float64  `yaml:"maxQuality"`
	MinPages   int      `yaml:"minPages"`
	MaxPages   int      `yaml:"maxPages"`
	MaxSize    int64    `yaml:"maxSizeBytes"`
}

// Matches reports whether p satisfies every condition.
func (pr Predicate) Matches(p models.Profile) bool {
	if len(pr.Languages) > 0 {
		ok := false
		for _, l := range pr.Languages {
			if l == p.Language {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if pr.MinQuality > 0 && p.Quality < pr.MinQuality {
		return false
	}
	if pr.MaxQuality > 0 && p.Quality > pr.MaxQuality {
		return false
	}
	if pr.MinPages > 0 && p.PageCount < pr.MinPages {
		return false
	}
	if pr.MaxPages > 0 && p.PageCount > pr.MaxPages {
		return false
	}
	if pr.MaxSize > 0 && p.SizeBytes > pr.MaxSize {
		return false
	}
	return true
}

// Rule routes documents matching When to Backend.
type Rule struct {
	Name    string    `yaml:"name"`
	When    Predicate `yaml:"when"`
	Backend string    `yaml:"backend"`
}

// Policy is the ordered preference list for one stage.
type Policy struct {
	Rules   []Rule `yaml:"rules"`
	Default string `yaml:"default"`
}

// Catalog is the immutable set of configured backends, keyed by id.
type Catalog map[string]models.Backend

// NewCatalog indexes backends by id.
func NewCatalog(backends ...models.Backend) Catalog {
	c := make(Catalog, len(backends))
	for _, b := range backends {
		c[b.ID] = b
	}
	return c
}

// Select returns the first backend, in rule order and then the default, that
// is configured, serves stage, accepts profile and is not excluded. Excluded
// holds the ids a caller has already exhausted for this stage.
func Select(catalog Catalog, stage models.Stage, profile models.Profile, policy Policy, excluded map[string]bool) (models.Backend, error) {
	for _, rule := range policy.Rules {
		if !rule.When.Matches(profile) {
			continue
		}
		if b, ok := eligible(catalog, rule.Backend, stage, profile, excluded); ok {
			return b, nil
		}
	}
	if policy.Default != "" {
		if b, ok := eligible(catalog, policy.Default, stage, profile, excluded); ok {
			return b, nil
		}
	}
	return models.Backend{}, fmt.Errorf("%w for stage %s", ErrNoEligibleBackend, stage)
}

func eligible(catalog Catalog, id string, stage models.Stage, profile models.Profile, excluded map[string]bool) (models.Backend, bool) {
	if excluded[id] {
		return models.Backend{}, false
	}
	b, ok := catalog[id]
	if !ok || b.Stage != stage || !b.Accepts(profile) {
		return models.Backend{}, false
	}
	return b, true
}
