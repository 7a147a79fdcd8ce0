package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	_ = validate.RegisterValidation("transport_url", func(fl validator.FieldLevel) bool {
		return CheckTransportURL(fl.Field().String()) == nil
	})
}

// Struct validates v using its `validate` struct tags. Field names in the
// returned error follow the `yaml` tags so they match the configuration file.
func Struct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	return formatValidationError(validate.Struct(v))
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	errs := make([]error, 0, len(validationErrs))
	for _, e := range validationErrs {
		field := trimRoot(e.Namespace())
		param := e.Param()

		switch e.Tag() {
		case "required":
			errs = append(errs, fmt.Errorf("%s: field is required", field))
		case "min", "gte":
			errs = append(errs, fmt.Errorf("%s: must be at least %s", field, param))
		case "max", "lte":
			errs = append(errs, fmt.Errorf("%s: must not exceed %s", field, param))
		case "oneof":
			errs = append(errs, fmt.Errorf("%s: must be one of [%s]", field, param))
		case "transport_url":
			errs = append(errs, fmt.Errorf("%s: %q is not a tcp://, ipc:// or inproc:// url", field, e.Value()))
		case "dive":
			errs = append(errs, fmt.Errorf("%s: invalid element in list", field))
		default:
			errs = append(errs, fmt.Errorf("%s: validation failed (%s)", field, e.Tag()))
		}
	}

	return errors.Join(errs...)
}

// trimRoot drops the top-level struct name from a validator namespace.
func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
