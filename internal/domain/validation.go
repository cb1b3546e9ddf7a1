package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ServiceIDRegex validates service ids: word characters, optionally dotted
var ServiceIDRegex = regexp.MustCompile(`^\w+(\.\w+)*\w+$`)

// TenantRegex validates tenant ids taken from request headers
var TenantRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var manifestValidator = NewValidator()

// NewValidator creates a configured validator instance
func NewValidator() *validator.Validate {
	v := validator.New()

	_ = v.RegisterValidation("service_id", func(fl validator.FieldLevel) bool {
		return ServiceIDRegex.MatchString(fl.Field().String())
	})

	return v
}

// ValidateServiceID checks a service id taken from a URL or file name
func ValidateServiceID(id string) error {
	if !ServiceIDRegex.MatchString(id) {
		return fmt.Errorf("%w: invalid service id %q", ErrValidation, id)
	}
	return nil
}

// ValidateTenant checks a tenant id
func ValidateTenant(tenant string) error {
	if !TenantRegex.MatchString(tenant) {
		return fmt.Errorf("%w: invalid tenant %q", ErrValidation, tenant)
	}
	return nil
}

// ValidateManifest validates a manifest before it is written. Reading never
// validates metadata; only file existence is checked at parse time.
func ValidateManifest(m *ServiceManifest) error {
	err := manifestValidator.Struct(m)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", yamlFieldName(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: invalid manifest fields: %s", ErrValidation, strings.Join(fields, ", "))
}

func yamlFieldName(field string) string {
	switch field {
	case "ID":
		return KeyServiceID
	case "DisplayName":
		return KeyDisplayName
	default:
		return strings.ToLower(field)
	}
}
