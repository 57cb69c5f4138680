package checkout

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	cpfPattern = regexp.MustCompile(`^\d{3}\.\d{3}\.\d{3}-\d{2}$`)

	// validate caches struct metadata and is safe for concurrent use.
	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("cpf", func(fl validator.FieldLevel) bool {
		return cpfPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic("checkout: register cpf validation: " + err.Error())
	}
	return v
}

// validateCustomer checks c against its struct tags and converts the first
// failure into a ValidationError. Missing required fields take precedence
// over format errors.
func validateCustomer(c Customer) error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "customerData", Message: err.Error()}
	}

	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			return &ValidationError{Field: "customerData", Message: "email and fullName are required"}
		}
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "email":
		return &ValidationError{Field: "email", Message: "not a valid email address"}
	case "cpf":
		return &ValidationError{Field: "cpf", Message: "expected format 000.000.000-00"}
	default:
		return &ValidationError{Field: strings.ToLower(fe.Field()), Message: "failed " + fe.Tag() + " check"}
	}
}
