package loader

import (
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// Set is the ordered collection of registered loaders. Resolution walks the
// set in registration order and picks the first loader whose Supports
// accepts the descriptor, so more specific loaders register first.
type Set struct {
	loaders []Loader
}

// NewSet builds a loader set.
func NewSet(loaders ...Loader) *Set {
	return &Set{loaders: loaders}
}

// Register appends a loader to the set.
func (s *Set) Register(l Loader) {
	s.loaders = append(s.loaders, l)
}

// For resolves the loader serving d. Unknown or unservable formats fail
// with CapabilityUnavailable; tfjs in particular has no server-side runtime.
func (s *Set) For(d domain.Descriptor) (Loader, error) {
	for _, l := range s.loaders {
		if l.Supports(d) {
			return l, nil
		}
	}
	if d.Format == domain.FormatTFJS {
		return nil, domain.Ef(domain.KindCapabilityUnavailable,
			"format tfjs is browser-only and cannot be served by this process")
	}
	return nil, domain.Ef(domain.KindCapabilityUnavailable,
		"no loader available for format %q (model %q)", d.Format, d.ID)
}

// Supported reports whether some loader can serve d.
func (s *Set) Supported(d domain.Descriptor) bool {
	_, err := s.For(d)
	return err == nil
}
