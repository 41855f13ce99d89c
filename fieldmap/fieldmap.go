/*
Package fieldmap maps template-specific source record fields onto the
canonical field set used by balance reconciliation.

PURPOSE:
  Source records arrive in several shapes (one per summary-log template).
  The balance engine only knows five canonical fields; each Template
  supplies a static table translating those into its own column names.

TEMPLATES:
  Exporter:          received loads for export
  ReprocessorInput:  received loads for reprocessing
  ReprocessorOutput: reprocessed loads

  Every table lists all canonical fields. A field that does not apply to
  a template maps to "" and resolves to an absent value.

ERRORS:
  ErrUnknownTemplate: the record's template has no registered strategy
  ErrUnknownField:    the canonical field is missing from the table

  Both are programmer errors. Callers must abort processing of the
  record rather than treat it as zero.
*/
package fieldmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Field is a canonical field name.
type Field string

const (
	DispatchDate   Field = "dispatchDate"
	PrnIssued      Field = "prnIssued"
	InterimSite    Field = "interimSite"
	InterimTonnage Field = "interimTonnage"
	ExportTonnage  Field = "exportTonnage"
)

// Fields is the complete canonical set, in a stable order.
var Fields = []Field{DispatchDate, PrnIssued, InterimSite, InterimTonnage, ExportTonnage}

// YesValue is the affirmative answer for yes/no columns.
const YesValue = "yes"

var (
	ErrUnknownTemplate = errors.New("unknown template")
	ErrUnknownField    = errors.New("unknown field")
)

// UnknownTemplateError names the template that has no strategy.
type UnknownTemplateError struct {
	Template string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown template %q", e.Template)
}

func (e *UnknownTemplateError) Unwrap() error { return ErrUnknownTemplate }

// UnknownFieldError names a canonical field missing from a template's table.
type UnknownFieldError struct {
	Template string
	Field    Field
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("field %q is not mapped for template %q", e.Field, e.Template)
}

func (e *UnknownFieldError) Unwrap() error { return ErrUnknownField }

// =============================================================================
// TEMPLATES
// =============================================================================

// Template is a per-template translation strategy.
type Template interface {
	// Name is the template identifier carried by source records.
	Name() string

	// Columns returns the canonical → source column table.
	Columns() map[Field]string

	// EntityKind describes what a record of this template represents,
	// e.g. "waste_record:exported".
	EntityKind() string
}

type Exporter struct{}

func (Exporter) Name() string       { return "exporter" }
func (Exporter) EntityKind() string { return "waste_record:exported" }
func (Exporter) Columns() map[Field]string {
	return map[Field]string{
		DispatchDate:   "DATE_OF_EXPORT",
		PrnIssued:      "WERE_PRN_OR_PERN_ISSUED_ON_THIS_WASTE",
		InterimSite:    "DID_WASTE_PASS_THROUGH_AN_INTERIM_SITE",
		InterimTonnage: "TONNAGE_PASSED_INTERIM_SITE_RECEIVED_BY_OSR",
		ExportTonnage:  "TONNAGE_OF_UK_PACKAGING_WASTE_EXPORTED",
	}
}

type ReprocessorInput struct{}

func (ReprocessorInput) Name() string       { return "reprocessor-input" }
func (ReprocessorInput) EntityKind() string { return "waste_record:received" }
func (ReprocessorInput) Columns() map[Field]string {
	return map[Field]string{
		DispatchDate:   "DATE_RECEIVED_FOR_REPROCESSING",
		PrnIssued:      "WERE_PRN_OR_PERN_ISSUED_ON_THIS_WASTE",
		InterimSite:    "",
		InterimTonnage: "",
		ExportTonnage:  "TONNAGE_RECEIVED_FOR_RECYCLING",
	}
}

type ReprocessorOutput struct{}

func (ReprocessorOutput) Name() string       { return "reprocessor-output" }
func (ReprocessorOutput) EntityKind() string { return "waste_record:processed" }
func (ReprocessorOutput) Columns() map[Field]string {
	return map[Field]string{
		DispatchDate:   "DATE_LOAD_LEFT_SITE",
		PrnIssued:      "",
		InterimSite:    "",
		InterimTonnage: "",
		ExportTonnage:  "PRODUCT_UK_PACKAGING_WEIGHT_PROPORTION",
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry resolves templates by name.
type Registry struct {
	templates map[string]Template
}

// NewRegistry returns a registry holding the given templates.
func NewRegistry(templates ...Template) *Registry {
	r := &Registry{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		r.templates[t.Name()] = t
	}
	return r
}

// Default returns a registry with every known template.
func Default() *Registry {
	return NewRegistry(Exporter{}, ReprocessorInput{}, ReprocessorOutput{})
}

// Lookup returns the strategy for a template name.
func (r *Registry) Lookup(name string) (Template, error) {
	if r != nil {
		if t, ok := r.templates[name]; ok {
			return t, nil
		}
	}
	return nil, &UnknownTemplateError{Template: name}
}

// Names lists the registered template names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Column returns the source column for a canonical field. An empty
// column means the field does not apply to the template.
func (r *Registry) Column(template string, field Field) (string, error) {
	t, err := r.Lookup(template)
	if err != nil {
		return "", err
	}
	col, ok := t.Columns()[field]
	if !ok {
		return "", &UnknownFieldError{Template: template, Field: field}
	}
	return col, nil
}

// Resolve returns the raw value of a canonical field. The boolean is
// false when the field does not apply or is absent from data.
func (r *Registry) Resolve(template string, data map[string]any, field Field) (any, bool, error) {
	col, err := r.Column(template, field)
	if err != nil {
		return nil, false, err
	}
	if col == "" {
		return nil, false, nil
	}
	v, ok := data[col]
	if !ok || v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// YesNo reports whether a yes/no field is affirmatively "yes",
// case-insensitive. Absent and non-string values are not "yes".
func (r *Registry) YesNo(template string, data map[string]any, field Field) (bool, error) {
	v, ok, err := r.Resolve(template, data, field)
	if err != nil || !ok {
		return false, err
	}
	s, isString := v.(string)
	if !isString {
		return false, nil
	}
	return strings.EqualFold(strings.TrimSpace(s), YesValue), nil
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// Date parses a date field. ok is false when the field is absent or the
// value is not a recognisable date.
func (r *Registry) Date(template string, data map[string]any, field Field) (time.Time, bool, error) {
	v, ok, err := r.Resolve(template, data, field)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, ok := ParseDate(v)
	return t, ok, nil
}

// ParseDate accepts time.Time values and date strings.
func ParseDate(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, !x.IsZero()
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
