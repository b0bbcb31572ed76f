package backlog

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Two rule sets share the struct tags: "validate" holds what every backlog
// must satisfy before a run, "author" adds the completeness rules a freshly
// planned backlog must meet before it is written.
var (
	loadValidate   = newValidator("validate")
	authorValidate = newValidator("author")
)

func newValidator(tag string) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName(tag)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Check applies the run-time rules: non-empty ids, positive priorities and
// unique ids. Returns a *LoadError of kind ErrInvalid or ErrInvariantViolation.
func Check(b *Backlog) error {
	return check(b, loadValidate, "")
}

// Validate applies the authoring rules on top of Check: a branch name, at
// least one story, and every story with a title, description and criteria.
func Validate(b *Backlog) error {
	return check(b, authorValidate, "")
}

func check(b *Backlog, v *validator.Validate, path string) error {
	if err := v.Struct(b); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(b, fe))
			}
			return loadErr(path, ErrInvalid, nil, "%s", strings.Join(msgs, "; "))
		}
		return loadErr(path, ErrInvalid, err, "%v", err)
	}

	seen := make(map[string]int, len(b.Stories))
	for i, s := range b.Stories {
		if first, dup := seen[s.ID]; dup {
			return loadErr(path, ErrInvariantViolation, nil,
				"duplicate story id %q at stories[%d] and stories[%d]", s.ID, first, i)
		}
		seen[s.ID] = i
	}
	return nil
}

// describe renders a validation failure as "stories[1].priority must be greater than 0".
func describe(b *Backlog, fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	// name the story when the failure is inside one
	if idx := storyIndex(ns); idx >= 0 && idx < len(b.Stories) && b.Stories[idx].ID != "" {
		ns = fmt.Sprintf("%s (story %s)", ns, b.Stories[idx].ID)
	}

	switch fe.Tag() {
	case "required":
		return ns + " is required"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s, got %v", ns, fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s must have at least %s item(s)", ns, fe.Param())
	default:
		return fmt.Sprintf("%s failed %q", ns, fe.Tag())
	}
}

func storyIndex(ns string) int {
	if !strings.HasPrefix(ns, "stories[") {
		return -1
	}
	var idx int
	if _, err := fmt.Sscanf(ns, "stories[%d]", &idx); err != nil {
		return -1
	}
	return idx
}
