package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@/-]*$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the engine's custom rules
// registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			return identifierPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidateRequest checks a request's shape and returns a ValidationError
// describing every failing field.
func ValidateRequest(req *ExecutionRequest) error {
	if req == nil {
		return NewValidationError("request is required", nil)
	}
	if err := Validator().Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return NewValidationError("invalid request", err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		verr := NewValidationError("invalid request: "+strings.Join(fields, ", "), nil)
		for _, fe := range verrs {
			verr.WithDetail(fe.Field(), fe.Tag())
		}
		return verr
	}
	return nil
}
