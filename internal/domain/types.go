package domain

type Type string

const (
	TypeScrapeSource       Type = "scrape-source"
	TypeClassifyIdentities Type = "classify-identities"
	TypeOrganizeItems      Type = "organize-items"
	TypeReposeBatch        Type = "repose-batch"
)

// Types lists every job type the engine knows about.
var Types = []Type{TypeScrapeSource, TypeClassifyIdentities, TypeOrganizeItems, TypeReposeBatch}

func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Capabilities are the operator actions a job type exposes.
type Capabilities struct {
	Pause   bool
	Retry   bool
	Restart bool
}

func (t Type) Capabilities() Capabilities {
	switch t {
	case TypeScrapeSource:
		return Capabilities{Pause: true, Retry: true, Restart: false}
	case TypeClassifyIdentities:
		return Capabilities{Pause: true, Retry: true, Restart: true}
	case TypeOrganizeItems, TypeReposeBatch:
		return Capabilities{Pause: true, Retry: true, Restart: true}
	default:
		return Capabilities{}
	}
}
