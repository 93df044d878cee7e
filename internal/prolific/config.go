package prolific

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Eligibility is a friendly form of the participant filters.
type Eligibility struct {
	AllowUK               *bool    `yaml:"allow_uk,omitempty"`
	MinSubmissions        *int     `yaml:"min_submissions,omitempty"`
	MaxSubmissions        *int     `yaml:"max_submissions,omitempty"`
	MinApprovalRate       *float64 `yaml:"min_approval_rate,omitempty"`
	RequireEnglishFluency bool     `yaml:"require_english_fluency,omitempty"`
	RequireEnglishPrimary bool     `yaml:"require_english_primary,omitempty"`
}

// StudyConfig describes a study to create.
type StudyConfig struct {
	ProjectID               string       `yaml:"project_id"`
	Name                    string       `yaml:"name"`
	Description             string       `yaml:"description"`
	EstimatedCompletionTime int          `yaml:"estimated_completion_time"`
	MaximumAllowedTime      int          `yaml:"maximum_allowed_time"`
	Reward                  int          `yaml:"reward"`
	TotalAvailablePlaces    int          `yaml:"total_available_places"`
	DeviceCompatibility     []string     `yaml:"device_compatibility,omitempty"`
	Eligibility             *Eligibility `yaml:"eligibility,omitempty"`
	Filters                 []Filter     `yaml:"filters,omitempty"`
}

// Filter ids and values understood by the platform.
const (
	FilterCountry          = "current-country-of-residence"
	FilterApprovalNumbers  = "approval_numbers"
	FilterApprovalRate     = "approval_rate"
	FilterFluentLanguages  = "fluent-languages"
	FilterPrimaryLanguage  = "primary-language"
	FilterPreviousStudies  = "previous_studies_blocklist"
	countryUK              = "0"
	countryUS              = "1"
	languageEnglish        = "19"
	defaultMaxSubmissions  = 100000
	defaultMaxApprovalRate = 100
)

// EligibilityToFilters converts eligibility settings to platform filters.
func EligibilityToFilters(e Eligibility) []Filter {
	var filters []Filter
	if e.AllowUK != nil {
		values := []string{countryUS}
		if *e.AllowUK {
			values = []string{countryUK, countryUS}
		}
		filters = append(filters, Filter{FilterID: FilterCountry, SelectedValues: values})
	}
	if e.MinSubmissions != nil || e.MaxSubmissions != nil {
		r := Range{Lower: 0, Upper: defaultMaxSubmissions}
		if e.MinSubmissions != nil {
			r.Lower = float64(*e.MinSubmissions)
		}
		if e.MaxSubmissions != nil {
			r.Upper = float64(*e.MaxSubmissions)
		}
		filters = append(filters, Filter{FilterID: FilterApprovalNumbers, SelectedRange: &r})
	}
	if e.MinApprovalRate != nil {
		filters = append(filters, Filter{
			FilterID:      FilterApprovalRate,
			SelectedRange: &Range{Lower: *e.MinApprovalRate, Upper: defaultMaxApprovalRate},
		})
	}
	if e.RequireEnglishFluency {
		filters = append(filters, Filter{FilterID: FilterFluentLanguages, SelectedValues: []string{languageEnglish}})
	}
	if e.RequireEnglishPrimary {
		filters = append(filters, Filter{FilterID: FilterPrimaryLanguage, SelectedValues: []string{languageEnglish}})
	}
	return filters
}

// ParseStudyConfig decodes a YAML study config and validates it against
// the embedded schema.
func ParseStudyConfig(r io.Reader) (StudyConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return StudyConfig{}, fmt.Errorf("read study config: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return StudyConfig{}, &ValidationError{Field: "config", Reason: err.Error()}
	}
	if doc == nil {
		return StudyConfig{}, &ValidationError{Field: "config", Reason: "study config is empty"}
	}
	if err := validateSchema(doc); err != nil {
		return StudyConfig{}, err
	}

	var cfg StudyConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return StudyConfig{}, &ValidationError{Field: "config", Reason: err.Error()}
	}
	return cfg, nil
}

// LoadStudyConfig reads and validates the study config at path.
func LoadStudyConfig(path string) (StudyConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return StudyConfig{}, fmt.Errorf("open study config: %w", err)
	}
	defer f.Close()
	return ParseStudyConfig(f)
}

func validateSchema(doc map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile study schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#StudyConfig"))

	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return &ValidationError{Field: "config", Reason: err.Error()}
	}
	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Field: "config", Reason: schemaMessage(err)}
	}
	return nil
}

func schemaMessage(err error) string {
	var ce cueerrors.Error
	if !errors.As(err, &ce) {
		return err.Error()
	}
	var msgs []string
	for _, e := range cueerrors.Errors(ce) {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}
