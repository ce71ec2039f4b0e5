package normalizer

import (
	"errors"
	"reflect"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/go-playground/validator/v10"
)

// newValidator reports fields by their payload path (the `path` tag).
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if p := f.Tag.Get("path"); p != "" {
			return p
		}
		return f.Name
	})
	return v
}

// check validates ids and converts failures to a MalformedEventError that
// lists every missing field.
func (n *Normalizer) check(platform incident.Platform, ids interface{}) error {
	err := n.validate.Struct(ids)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &incident.MalformedEventError{Platform: platform, Err: err}
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	return &incident.MalformedEventError{Platform: platform, Missing: missing, Err: err}
}
