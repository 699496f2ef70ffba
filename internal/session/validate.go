package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/apierror"
	"github.com/go-playground/validator/v10"
)

type loginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type signupInput struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

var fieldLabels = map[string]string{
	"Username": "username",
	"Email":    "email",
	"Password": "password",
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validateInput runs struct validation and maps failures to per-field messages.
func validateInput(validate *validator.Validate, op string, input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return apierror.New(apierror.KindValidation, op, "invalid input", err)
	}
	fields := make(map[string]string, len(validationErrors))
	for _, fieldError := range validationErrors {
		name := fieldLabels[fieldError.Field()]
		if name == "" {
			name = strings.ToLower(fieldError.Field())
		}
		if _, seen := fields[name]; seen {
			continue
		}
		fields[name] = fieldMessage(fieldError)
	}
	return apierror.Validation(op, fields)
}

func fieldMessage(fieldError validator.FieldError) string {
	label := fieldError.Field()
	switch fieldError.Tag() {
	case "required":
		return label + " is required"
	case "email":
		return label + " is invalid"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", label, fieldError.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", label, fieldError.Param())
	default:
		return label + " is invalid"
	}
}
