// Package validate wraps go-playground/validator with the project's tags.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pong-tournament/internal/domain"
	"github.com/pong-tournament/internal/sanitize"
)

// Validator checks request structs and reports the first failure as a
// domain.ValidationError
type Validator struct {
	v *validator.Validate
}

// New creates a validator with the tname tag registered
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// the error is only returned for an empty tag name
	_ = v.RegisterValidation("tname", func(fl validator.FieldLevel) bool {
		return sanitize.NamePattern.MatchString(fl.Field().String())
	})
	return &Validator{v: v}
}

// Struct validates s
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &domain.ValidationError{Message: "invalid request"}
	}
	fe := verrs[0]
	return &domain.ValidationError{Field: fe.Field(), Message: message(fe)}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return "must be positive"
	case "gte":
		return "must not be negative"
	case "tname":
		return "contains characters that are not allowed"
	}
	return "is invalid"
}
