package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/auth"
)

// newValidator returns a validator that reports fields by their YAML key.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.RateLimit.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RateLimit.RedisAddr); err != nil {
			return fmt.Errorf("rate_limit.redis_addr must be host:port: %w", err)
		}
	}

	// A malformed hash would otherwise reject every caller at runtime.
	if c.Auth.APIKey != "" && auth.IsArgon2idHash(c.Auth.APIKey) {
		if _, err := auth.NewKeyGate(c.Auth.APIKey, c.Auth.RequireAPIKey); err != nil {
			return fmt.Errorf("auth.api_key: %w", err)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	// Namespace starts with the root type name, which means nothing to users.
	_, field, _ := strings.Cut(e.Namespace(), ".")

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, strings.Replace(e.Param(), " ", " is ", 1))
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be %s or more", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be %s or less", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
