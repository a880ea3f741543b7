package models

// Backend describes one processing engine. Entries are immutable
// configuration; selection never mutates them.
type Backend struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
	// Engine names the Invoker that serves this backend (e.g. "vertex").
	Engine string `yaml:"engine" json:"engine"`
	// Stage is the stage affinity.
	Stage Stage `yaml:"stage" json:"stage"`
	// Languages restricts the backend to these document languages; empty
	// means any language.
	Languages []string `yaml:"languages" json:"languages,omitempty"`
	// MinQuality is the lowest structural quality the backend accepts.
	MinQuality float64 `yaml:"minQuality" json:"minQuality,omitempty"`
	// MaxPages bounds the documents the backend accepts; zero means no bound.
	MaxPages int `yaml:"maxPages" json:"maxPages,omitempty"`
	// UnitCost is the estimated cost per page, used when the engine does not
	// report usage itself.
	UnitCost float64 `yaml:"unitCost" json:"unitCost,omitempty"`
	// ResourceClass groups backends that share a downstream quota.
	ResourceClass string `yaml:"resourceClass" json:"resourceClass,omitempty"`
	// Model is engine specific (e.g. a Vertex AI model name).
	Model string `yaml:"model" json:"model,omitempty"`
}

// Accepts reports whether the backend's declared constraints admit profile.
func (b Backend) Accepts(p Profile) bool {
	if len(b.Languages) > 0 {
		ok := false
		for _, l := range b.Languages {
			if l == p.Language {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if p.Quality < b.MinQuality {
		return false
	}
	if b.MaxPages > 0 && p.PageCount > b.MaxPages {
		return false
	}
	return true
}
