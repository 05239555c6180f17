package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	schemasassets "github.com/3leaps/heascreen/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
	"github.com/go-playground/validator/v10"
)

// SchemaID is the schema identifier for run manifests.
const SchemaID = "heascreen/v1.0.0/run-manifest"

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

var (
	schemaOnce      sync.Once
	schemaValidator *schema.Validator
	schemaErr       error
)

// fields checks struct tags after defaults are applied.
var fields *validator.Validate

func init() {
	fields = validator.New(validator.WithRequiredStructEnabled())
	fields.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = fields.RegisterValidation("element", func(fl validator.FieldLevel) bool {
		return isElementSymbol(fl.Field().String())
	})
}

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path points at the offending field, e.g. "/composition/step".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every issue found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap lets callers match ErrValidationFailed.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate runs the schema and semantic checks on a decoded manifest.
// Unknown keys are already lost at this point; use ValidateRaw on input
// documents.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return Check(m)
}

// ValidateRaw checks a JSON document against the embedded run-manifest
// schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getSchemaValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Check performs the semantic checks the schema cannot express: field
// ranges and conditional requirements, a usable composition space and
// property tables that cover every screened element.
func Check(m *Manifest) error {
	var errs ValidationErrors

	if err := fields.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("check manifest: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: describe(fe),
			})
		}
	}

	if m.Composition.Step > 0 && len(m.Composition.Grid) > 0 {
		errs = append(errs, ValidationError{Path: "/composition", Message: "step and grid are mutually exclusive"})
	}
	if m.Composition.Step == 0 && len(m.Composition.Grid) == 0 {
		errs = append(errs, ValidationError{Path: "/composition", Message: "one of step or grid is required"})
	}
	if len(errs) == 0 {
		if err := m.Space().Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "/composition", Message: err.Error()})
		}
	}

	if m.Stability.Oracle == "mixing_rule" {
		for _, el := range m.Composition.Elements {
			if _, ok := m.Stability.Elements[el]; !ok {
				errs = append(errs, ValidationError{
					Path:    "/stability/elements",
					Message: fmt.Sprintf("missing properties for element %s", el),
				})
			}
		}
		for key := range m.Stability.Pairs {
			a, b, ok := strings.Cut(key, "-")
			if !ok || !isElementSymbol(a) || !isElementSymbol(b) || a == b {
				errs = append(errs, ValidationError{
					Path:    "/stability/pairs/" + key,
					Message: `pair keys must be "A-B" with two different elements`,
				})
			}
		}
	}

	if m.Scheduler.Backoff.Max.Duration < m.Scheduler.Backoff.Initial.Duration {
		errs = append(errs, ValidationError{Path: "/scheduler/backoff/max", Message: "must not be less than initial"})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getSchemaValidator() (*schema.Validator, error) {
	schemaOnce.Do(func() {
		if len(schemasassets.RunManifestSchema) == 0 {
			schemaErr = fmt.Errorf("%w: embedded run-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		schemaValidator, schemaErr = schema.NewValidator(schemasassets.RunManifestSchema)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", schemaErr)
		}
	})
	return schemaValidator, schemaErr
}

// fieldPath turns "Manifest.composition.step" into "/composition/step".
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return "/"
	}
	rest = strings.NewReplacer("[", "/", "]", "").Replace(rest)
	return "/" + strings.ReplaceAll(rest, ".", "/")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "eq":
		return fmt.Sprintf("must be %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "unique":
		return "must not contain duplicates"
	case "url":
		return "must be a URL"
	case "element":
		return fmt.Sprintf("%q is not an element symbol", fe.Value())
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}

// isElementSymbol reports whether s looks like a chemical symbol: one
// upper-case letter followed by up to two lower-case letters.
func isElementSymbol(s string) bool {
	r := []rune(s)
	if len(r) == 0 || len(r) > 3 || !unicode.IsUpper(r[0]) {
		return false
	}
	for _, c := range r[1:] {
		if !unicode.IsLower(c) {
			return false
		}
	}
	return true
}
