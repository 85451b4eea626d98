// Package validation wraps go-playground/validator with the hub's custom tags
// and a small fluent builder used by transport and store configs.
package validation

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"routing-hub/internal/common/errors"
)

var routeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// TransportTypes lists the transport kinds a route may reference
var TransportTypes = []string{"websocket", "redis", "rabbitmq", "kafka", "sqs", "sns", "pubsub", "http", "memory"}

var (
	shared     *validator.Validate
	sharedOnce sync.Once
)

// Struct validates s against its `validate` tags and returns a validation AppError
func Struct(s interface{}) error {
	if err := instance().Struct(s); err != nil {
		return format(err)
	}
	return nil
}

// Var validates a single value against a tag expression
func Var(field interface{}, tag string) error {
	if err := instance().Var(field, tag); err != nil {
		return format(err)
	}
	return nil
}

func instance() *validator.Validate {
	sharedOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			for _, tag := range []string{"yaml", "json"} {
				name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
				if name != "" && name != "-" {
					return name
				}
			}
			return fld.Name
		})
		registerHubValidators(v)
		shared = v
	})
	return shared
}

func registerHubValidators(v *validator.Validate) {
	_ = v.RegisterValidation("route_id", func(fl validator.FieldLevel) bool {
		return routeIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("transport_type", func(fl validator.FieldLevel) bool {
		return contains(TransportTypes, fl.Field().String())
	})
	_ = v.RegisterValidation("cron_spec", func(fl validator.FieldLevel) bool {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		_, err := parser.Parse(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
}

func format(err error) error {
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.ValidationError(err.Error())
	}

	messages := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		messages[i] = formatFieldError(fe)
	}
	if len(messages) == 1 {
		return errors.ValidationError(messages[0])
	}
	return errors.ValidationError(fmt.Sprintf("validation failed: %s", strings.Join(messages, "; ")))
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", field)
	case "min", "gte":
		return fmt.Sprintf("field '%s' must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("field '%s' must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("field '%s' must be greater than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL", field)
	case "route_id":
		return fmt.Sprintf("field '%s' must be a route id (letters, digits, '.', '_', ':', '-')", field)
	case "transport_type":
		return fmt.Sprintf("field '%s' must be one of: %s", field, strings.Join(TransportTypes, ", "))
	case "cron_spec":
		return fmt.Sprintf("field '%s' must be a valid cron expression", field)
	case "duration":
		return fmt.Sprintf("field '%s' must be a valid duration", field)
	default:
		return fmt.Sprintf("field '%s' failed validation: %s", field, fe.Tag())
	}
}

// Validator accumulates validation errors for hand-written checks
type Validator struct {
	messages []string
	prefix   string
}

// NewValidatorWithPrefix creates a validator whose messages are prefixed, e.g. "kafka config"
func NewValidatorWithPrefix(prefix string) *Validator {
	return &Validator{prefix: prefix}
}

// RequireString validates that a string is not blank
func (v *Validator) RequireString(value, name string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.addError("%s is required", name)
	}
	return v
}

// RequirePositive validates that an integer is positive
func (v *Validator) RequirePositive(value int, name string) *Validator {
	if value <= 0 {
		v.addError("%s must be positive", name)
	}
	return v
}

// RequireURL validates that a string is an absolute URL with one of the given schemes
func (v *Validator) RequireURL(value, name string, schemes ...string) *Validator {
	if value == "" {
		v.addError("%s is required", name)
		return v
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		v.addError("%s must be a complete URL with scheme and host", name)
		return v
	}
	if len(schemes) > 0 && !contains(schemes, u.Scheme) {
		v.addError("%s scheme must be one of: %s", name, strings.Join(schemes, ", "))
	}
	return v
}

// RequireOneOf validates that value is one of allowed
func (v *Validator) RequireOneOf(value string, allowed []string, name string) *Validator {
	if !contains(allowed, value) {
		v.addError("%s must be one of: %s", name, strings.Join(allowed, ", "))
	}
	return v
}

// Check records msg when ok is false
func (v *Validator) Check(ok bool, format string, args ...interface{}) *Validator {
	if !ok {
		v.addError(format, args...)
	}
	return v
}

// Error returns the accumulated validation error, or nil
func (v *Validator) Error() error {
	switch len(v.messages) {
	case 0:
		return nil
	case 1:
		return errors.ValidationError(v.messages[0])
	default:
		return errors.ValidationError("validation failed: " + strings.Join(v.messages, "; "))
	}
}

func (v *Validator) addError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if v.prefix != "" {
		msg = v.prefix + ": " + msg
	}
	v.messages = append(v.messages, msg)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
