// Package schema turns an extracted JSON object into a typed, validated record.
//
// Decoding runs in four passes and stops at the first failing pass:
//
//  1. key presence: every required member (a json tag without omitempty) must be
//     present and non-null, and the top level may not carry unknown members;
//  2. type conformance: encoding/json decoding into the record type;
//  3. value constraints: go-playground/validator tags on the record types;
//  4. cross-field invariants: struct-level rules registered in rules.go.
//
// Nothing is coerced. A failure is always a *ValidationError naming the fields.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/companion/internal/extract"
)

// ErrInvalid matches every *ValidationError via errors.Is.
var ErrInvalid = errors.New("record failed validation")

// Issue is a single violated constraint.
type Issue struct {
	Field  string `json:"field"`
	Rule   string `json:"rule"`
	Detail string `json:"detail,omitempty"`
}

func (i Issue) String() string {
	if i.Detail == "" {
		return i.Field + ": " + i.Rule
	}
	return fmt.Sprintf("%s: %s (%s)", i.Field, i.Rule, i.Detail)
}

// ValidationError reports every violated constraint of one record.
type ValidationError struct {
	Record string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return fmt.Sprintf("invalid %s: %s", e.Record, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrInvalid) true for validation errors.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

// Fields returns the offending field paths in report order.
func (e *ValidationError) Fields() []string {
	out := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if !slices.Contains(out, is.Field) {
			out = append(out, is.Field)
		}
	}
	return out
}

// Invalid builds a ValidationError for checks performed outside this package,
// such as the plan contract on a generated question set.
func Invalid(record, field, rule, detail string) *ValidationError {
	return &ValidationError{Record: record, Issues: []Issue{{Field: field, Rule: rule, Detail: detail}}}
}

// Decode validates obj against the record type T and returns the decoded record.
func Decode[T any](obj *extract.Object) (T, error) {
	var rec T
	typ := reflect.TypeOf(rec)
	name := typ.Name()

	if issues := checkKeys(obj.Raw, typ, "", true); len(issues) > 0 {
		return rec, &ValidationError{Record: name, Issues: issues}
	}

	if err := json.Unmarshal(obj.Raw, &rec); err != nil {
		return rec, &ValidationError{Record: name, Issues: []Issue{decodeIssue(err)}}
	}

	if err := Struct(&rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Struct runs value constraints and cross-field invariants on an already decoded record.
func Struct(rec any) error {
	err := validate.Struct(rec)
	if err == nil {
		return nil
	}
	name := reflect.Indirect(reflect.ValueOf(rec)).Type().Name()
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Record: name, Issues: []Issue{{Field: name, Rule: "validate", Detail: err.Error()}}}
	}
	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, Issue{
			Field:  fieldPath(fe.Namespace()),
			Rule:   fe.Tag(),
			Detail: describe(fe),
		})
	}
	return &ValidationError{Record: name, Issues: issues}
}

func decodeIssue(err error) Issue {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "(root)"
		}
		return Issue{
			Field:  field,
			Rule:   "type",
			Detail: fmt.Sprintf("expected %s, got JSON %s", typeErr.Type, typeErr.Value),
		}
	}
	return Issue{Field: "(root)", Rule: "decode", Detail: err.Error()}
}

// checkKeys walks raw alongside typ and reports missing required members.
// Unknown members are reported only at the top level.
func checkKeys(raw json.RawMessage, typ reflect.Type, path string, top bool) []Issue {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}

	switch typ.Kind() {
	case reflect.Struct:
		var members map[string]json.RawMessage
		if err := json.Unmarshal(raw, &members); err != nil {
			// Not an object; the decoding pass reports the type mismatch.
			return nil
		}
		var issues []Issue
		known := make(map[string]bool, typ.NumField())
		for i := range typ.NumField() {
			f := typ.Field(i)
			name, required := jsonName(f)
			if name == "" {
				continue
			}
			known[name] = true
			v, ok := members[name]
			if !ok || extract.IsNull(v) {
				if required {
					issues = append(issues, Issue{Field: join(path, name), Rule: "required", Detail: "missing or null"})
				}
				continue
			}
			issues = append(issues, checkKeys(v, f.Type, join(path, name), false)...)
		}
		if top {
			unknown := make([]string, 0)
			for k := range members {
				if !known[k] {
					unknown = append(unknown, k)
				}
			}
			slices.Sort(unknown)
			for _, k := range unknown {
				issues = append(issues, Issue{Field: k, Rule: "unknown_field", Detail: "not part of the record"})
			}
		}
		return issues

	case reflect.Slice:
		elem := typ.Elem()
		for elem.Kind() == reflect.Pointer {
			elem = elem.Elem()
		}
		if elem.Kind() != reflect.Struct {
			return nil
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil
		}
		var issues []Issue
		for i, item := range items {
			issues = append(issues, checkKeys(item, elem, fmt.Sprintf("%s[%d]", path, i), false)...)
		}
		return issues
	}
	return nil
}

// jsonName returns the member name of a struct field and whether it is required.
func jsonName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, !slices.Contains(strings.Split(opts, ","), "omitempty")
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// fieldPath drops the record type prefix from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
