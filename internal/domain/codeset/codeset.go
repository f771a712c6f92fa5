// Package codeset holds the read-only classification code sets that measure
// rules test claim codes against. A Registry is built once per process from
// the measure catalog and shared by every evaluation worker.
package codeset

import (
	"fmt"
	"sort"
	"strings"
)

// Code system URIs for the classification systems a concept may draw from.
const (
	SystemICD10CM  = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemICD10PCS = "http://www.cms.gov/Medicare/Coding/ICD10"
	SystemCPT      = "http://www.ama-assn.org/go/cpt"
	SystemHCPCS    = "https://www.cms.gov/Medicare/Coding/HCPCSReleaseCodeSets"
	SystemLOINC    = "http://loinc.org"
	SystemSNOMED   = "http://snomed.info/sct"
)

// systemAliases maps the short names used in catalog files to system URIs.
var systemAliases = map[string]string{
	"icd10cm":  SystemICD10CM,
	"icd10pcs": SystemICD10PCS,
	"cpt":      SystemCPT,
	"hcpcs":    SystemHCPCS,
	"loinc":    SystemLOINC,
	"snomed":   SystemSNOMED,
}

// ResolveSystem returns the URI for a short system name or passes a URI
// through unchanged.
func ResolveSystem(name string) (string, bool) {
	if uri, ok := systemAliases[strings.ToLower(name)]; ok {
		return uri, true
	}
	for _, uri := range systemAliases {
		if uri == name {
			return uri, true
		}
	}
	return "", false
}

// Concept names a clinical concept such as "diabetes" or "hospice".
type Concept string

// Set is an immutable set of normalized codes.
type Set map[string]struct{}

// Has reports whether the normalized form of code is in the set.
func (s Set) Has(code string) bool {
	_, ok := s[Normalize(code)]
	return ok
}

// Sorted returns the members of the set in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Normalize upper-cases a code and strips dots and surrounding space so that
// "e11.9" and "E119" compare equal.
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	code = strings.ReplaceAll(code, ".", "")
	return strings.ToUpper(code)
}

// Definition is the catalog form of one concept: codes grouped by system.
type Definition struct {
	Concept     Concept
	Description string
	Codes       map[string][]string
}

// Registry answers membership questions for every configured concept.
type Registry struct {
	sets    map[Concept]Set
	systems map[Concept][]string
}

// NewRegistry builds a registry from concept definitions. Unknown code
// systems and empty concepts are configuration errors.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{
		sets:    make(map[Concept]Set, len(defs)),
		systems: make(map[Concept][]string, len(defs)),
	}
	for _, d := range defs {
		if d.Concept == "" {
			return nil, fmt.Errorf("code set with empty concept name")
		}
		if _, dup := r.sets[d.Concept]; dup {
			return nil, fmt.Errorf("duplicate code set %q", d.Concept)
		}
		set := make(Set)
		var systems []string
		for name, codes := range d.Codes {
			uri, ok := ResolveSystem(name)
			if !ok {
				return nil, fmt.Errorf("code set %q: unknown code system %q", d.Concept, name)
			}
			systems = append(systems, uri)
			for _, c := range codes {
				if n := Normalize(c); n != "" {
					set[n] = struct{}{}
				}
			}
		}
		if len(set) == 0 {
			return nil, fmt.Errorf("code set %q is empty", d.Concept)
		}
		sort.Strings(systems)
		r.sets[d.Concept] = set
		r.systems[d.Concept] = systems
	}
	return r, nil
}

// Contains reports whether code belongs to concept. Unknown concepts contain
// nothing.
func (r *Registry) Contains(concept Concept, code string) bool {
	set, ok := r.sets[concept]
	if !ok {
		return false
	}
	return set.Has(code)
}

// ContainsAny reports whether any code is in any of the given concepts.
func (r *Registry) ContainsAny(concepts []Concept, codes []string) bool {
	for _, concept := range concepts {
		set, ok := r.sets[concept]
		if !ok {
			continue
		}
		for _, c := range codes {
			if set.Has(c) {
				return true
			}
		}
	}
	return false
}

// CodesFor returns the code set for a concept, or nil when it is not
// configured. Callers must not modify the returned set.
func (r *Registry) CodesFor(concept Concept) Set {
	return r.sets[concept]
}

// Systems returns the code systems that contributed codes to a concept.
func (r *Registry) Systems(concept Concept) []string {
	return r.systems[concept]
}

// Concepts lists configured concepts in sorted order.
func (r *Registry) Concepts() []Concept {
	out := make([]Concept, 0, len(r.sets))
	for c := range r.sets {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Require returns an error naming the first concept that is missing or empty.
func (r *Registry) Require(concepts ...Concept) error {
	for _, c := range concepts {
		if len(r.sets[c]) == 0 {
			return fmt.Errorf("required code set %q is not configured", c)
		}
	}
	return nil
}
