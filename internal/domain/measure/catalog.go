package measure

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ehr/qualitystars/internal/domain/codeset"
	"github.com/ehr/qualitystars/internal/platform/metrics"
)

// MaxCatalogSize bounds catalog files read from disk.
const MaxCatalogSize = 4 << 20

//go:embed catalog.yaml
var defaultCatalogYAML []byte

var catalogValidate *validator.Validate

func init() {
	catalogValidate = validator.New()
	_ = catalogValidate.RegisterValidation("starweight", func(fl validator.FieldLevel) bool {
		w := fl.Field().Float()
		return w == WeightSingle || w == WeightTriple
	})
}

type catalogYAML struct {
	Version  string        `yaml:"version" validate:"required"`
	CodeSets []codeSetYAML `yaml:"code_sets" validate:"required,min=1,dive"`
	Measures []specYAML    `yaml:"measures" validate:"required,min=1,dive"`
}

type codeSetYAML struct {
	Concept     string              `yaml:"concept" validate:"required"`
	Description string              `yaml:"description"`
	Codes       map[string][]string `yaml:"codes" validate:"required,min=1"`
}

type specYAML struct {
	Code       string  `yaml:"code" validate:"required,alphanum"`
	Name       string  `yaml:"name" validate:"required"`
	Tier       int     `yaml:"tier" validate:"min=1,max=4"`
	Weight     float64 `yaml:"weight" validate:"starweight"`
	AgeMin     int     `yaml:"age_min" validate:"min=0"`
	AgeMax     int     `yaml:"age_max" validate:"gtefield=AgeMin"`
	Sex        string  `yaml:"sex" validate:"omitempty,oneof=F M"`
	NewMeasure bool    `yaml:"new_measure"`

	Inclusion struct {
		CodeSets       []string `yaml:"code_sets"`
		LookbackYears  int      `yaml:"lookback_years" validate:"min=0,max=5"`
		MinEncounters  int      `yaml:"min_encounters" validate:"min=0"`
		EncounterTypes []string `yaml:"encounter_types"`
	} `yaml:"inclusion"`

	Exclusions []string     `yaml:"exclusions" validate:"dive,oneof=hospice esrd pregnancy transplant advanced_illness_frailty"`
	Numerator  ruleYAML     `yaml:"numerator"`
	Value      valueYAML    `yaml:"value"`
	Outreach   outreachYAML `yaml:"intervention"`
}

type ruleYAML struct {
	Kind            string          `yaml:"kind" validate:"required,oneof=presence threshold multi_criteria"`
	CodeSets        []string        `yaml:"code_sets"`
	AcceptPriorYear bool            `yaml:"accept_prior_year"`
	Tests           []metricYAML    `yaml:"tests" validate:"dive"`
	SameDay         bool            `yaml:"same_day"`
	Criteria        []criterionYAML `yaml:"criteria" validate:"dive"`
}

type criterionYAML struct {
	Name string   `yaml:"name" validate:"required"`
	Rule ruleYAML `yaml:",inline"`
}

type metricYAML struct {
	Metric     string  `yaml:"metric" validate:"required"`
	Comparator string  `yaml:"comparator" validate:"required,oneof=lt le gt ge"`
	Threshold  float64 `yaml:"threshold"`
}

type valueYAML struct {
	PerGap float64 `yaml:"per_gap" validate:"min=0"`
	Low    float64 `yaml:"low" validate:"min=0"`
	High   float64 `yaml:"high" validate:"gtefield=Low"`
}

type outreachYAML struct {
	Type       string  `yaml:"type" validate:"required"`
	Cost       float64 `yaml:"cost" validate:"min=0"`
	OutOfRange string  `yaml:"out_of_range_type"`
}

// Catalog is the versioned, validated set of measures and code sets for a
// run. It is immutable after Parse returns.
type Catalog struct {
	Version     string
	Fingerprint string
	Registry    *codeset.Registry
	LoadedAt    time.Time

	measures []*Spec
	byCode   map[string]*Spec
}

// Default parses the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalogYAML)
}

// LoadFile parses a catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("stat catalog %s: %w", path, err)}
	}
	if info.Size() > MaxCatalogSize {
		return nil, configErr("", "catalog %s is %d bytes, limit is %d", path, info.Size(), MaxCatalogSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("read catalog %s: %w", path, err)}
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document. Every failure is a
// ConfigurationError.
func Parse(data []byte) (*Catalog, error) {
	start := time.Now()
	cat, err := parse(data)
	metrics.CatalogLoadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CatalogLoads.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.CatalogLoads.WithLabelValues("ok").Inc()
	return cat, nil
}

func parse(data []byte) (*Catalog, error) {
	var doc catalogYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("decode catalog: %w", err)}
	}
	if err := catalogValidate.Struct(doc); err != nil {
		return nil, &ConfigurationError{Err: describeValidation(err)}
	}

	defs := make([]codeset.Definition, 0, len(doc.CodeSets))
	for _, cs := range doc.CodeSets {
		defs = append(defs, codeset.Definition{
			Concept:     codeset.Concept(cs.Concept),
			Description: cs.Description,
			Codes:       cs.Codes,
		})
	}
	reg, err := codeset.NewRegistry(defs)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	sum := sha256.Sum256(data)
	cat := &Catalog{
		Version:     doc.Version,
		Fingerprint: hex.EncodeToString(sum[:]),
		Registry:    reg,
		LoadedAt:    time.Now().UTC(),
		byCode:      make(map[string]*Spec, len(doc.Measures)),
	}
	for _, m := range doc.Measures {
		spec, err := buildSpec(m)
		if err != nil {
			return nil, err
		}
		if _, dup := cat.byCode[spec.Code]; dup {
			return nil, configErr(spec.Code, "duplicate measure code")
		}
		if err := reg.Require(spec.RequiredCodeSets()...); err != nil {
			return nil, &ConfigurationError{Measure: spec.Code, Err: err}
		}
		cat.measures = append(cat.measures, spec)
		cat.byCode[spec.Code] = spec
	}
	return cat, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("field %s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return err
}

func buildSpec(m specYAML) (*Spec, error) {
	spec := &Spec{
		Code:           m.Code,
		Name:           m.Name,
		Tier:           m.Tier,
		Weight:         m.Weight,
		AgeMin:         m.AgeMin,
		AgeMax:         m.AgeMax,
		Sex:            m.Sex,
		NewMeasure:     m.NewMeasure,
		LookbackYears:  m.Inclusion.LookbackYears,
		MinEncounters:  m.Inclusion.MinEncounters,
		EncounterTypes: m.Inclusion.EncounterTypes,
		ValuePerGap:    m.Value.PerGap,
		ValueRange:     ValueRange{Low: m.Value.Low, High: m.Value.High},
		Intervention:   Intervention{Type: m.Outreach.Type, Cost: m.Outreach.Cost},

		OutOfRangeIntervention: m.Outreach.OutOfRange,
	}
	for _, c := range m.Inclusion.CodeSets {
		spec.InclusionCodeSets = append(spec.InclusionCodeSets, codeset.Concept(c))
	}

	// Exclusions are stored in canonical order regardless of file order.
	listed := make(map[ExclusionKind]bool, len(m.Exclusions))
	for _, e := range m.Exclusions {
		k := ExclusionKind(e)
		if !validExclusion(k) {
			return nil, configErr(m.Code, "unknown exclusion %q", e)
		}
		listed[k] = true
	}
	for _, k := range ExclusionOrder {
		if listed[k] {
			spec.Exclusions = append(spec.Exclusions, k)
		}
	}

	rule, err := buildRule(m.Code, m.Numerator, true)
	if err != nil {
		return nil, err
	}
	spec.Numerator = rule
	return spec, nil
}

func buildRule(code string, r ruleYAML, allowMulti bool) (NumeratorRule, error) {
	switch RuleKind(r.Kind) {
	case KindPresence:
		if len(r.CodeSets) == 0 {
			return nil, configErr(code, "presence rule needs at least one code set")
		}
		rule := PresenceRule{AcceptPriorYear: r.AcceptPriorYear}
		for _, c := range r.CodeSets {
			rule.Concepts = append(rule.Concepts, codeset.Concept(c))
		}
		return rule, nil
	case KindThreshold:
		if len(r.Tests) == 0 {
			return nil, configErr(code, "threshold rule needs at least one metric test")
		}
		rule := ThresholdRule{SameDay: r.SameDay}
		seen := make(map[string]bool, len(r.Tests))
		for _, t := range r.Tests {
			metric := NormalizeMetric(t.Metric)
			if metric == "" {
				return nil, configErr(code, "metric test without a metric name")
			}
			if seen[metric] {
				return nil, configErr(code, "metric %q tested twice", metric)
			}
			seen[metric] = true
			rule.Tests = append(rule.Tests, MetricTest{
				Metric:     metric,
				Comparator: Comparator(t.Comparator),
				Threshold:  t.Threshold,
			})
		}
		return rule, nil
	case KindMultiCriteria:
		if !allowMulti {
			return nil, configErr(code, "multi_criteria rules cannot be nested")
		}
		if len(r.Criteria) < 2 {
			return nil, configErr(code, "multi_criteria rule needs at least two criteria")
		}
		var rule MultiCriteriaRule
		names := make(map[string]bool, len(r.Criteria))
		for _, c := range r.Criteria {
			if names[c.Name] {
				return nil, configErr(code, "duplicate criterion %q", c.Name)
			}
			names[c.Name] = true
			sub, err := buildRule(code, c.Rule, false)
			if err != nil {
				return nil, err
			}
			crit := Criterion{Name: c.Name}
			switch v := sub.(type) {
			case PresenceRule:
				crit.Presence = &v
			case ThresholdRule:
				crit.Threshold = &v
			}
			rule.Criteria = append(rule.Criteria, crit)
		}
		return rule, nil
	}
	return nil, configErr(code, "unknown numerator kind %q", r.Kind)
}

// Measures returns the specs in catalog order.
func (c *Catalog) Measures() []*Spec {
	return c.measures
}

// Get looks up a measure by code.
func (c *Catalog) Get(code string) (*Spec, bool) {
	s, ok := c.byCode[code]
	return s, ok
}

// Codes returns measure codes in catalog order.
func (c *Catalog) Codes() []string {
	out := make([]string, len(c.measures))
	for i, m := range c.measures {
		out[i] = m.Code
	}
	return out
}

// Select returns a catalog restricted to the given measure codes, keeping
// catalog order. An unknown code is a ConfigurationError. An empty list
// selects every measure.
func (c *Catalog) Select(codes []string) (*Catalog, error) {
	if len(codes) == 0 {
		return c, nil
	}
	want := make(map[string]bool, len(codes))
	for _, code := range codes {
		if _, ok := c.byCode[code]; !ok {
			return nil, configErr(code, "unknown measure code")
		}
		want[code] = true
	}
	sub := &Catalog{
		Version:     c.Version,
		Fingerprint: c.Fingerprint,
		Registry:    c.Registry,
		LoadedAt:    c.LoadedAt,
		byCode:      make(map[string]*Spec, len(want)),
	}
	for _, m := range c.measures {
		if want[m.Code] {
			sub.measures = append(sub.measures, m)
			sub.byCode[m.Code] = m
		}
	}
	return sub, nil
}
