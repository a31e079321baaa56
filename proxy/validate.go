package proxy

import (
	"fmt"
	"strings"

	"github.com/sardanioss/proxyagent/fingerprint"
)

// FieldError is a validation failure of one configuration field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError of a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "proxy configuration invalid"
	case 1:
		return "proxy configuration invalid: " + e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "proxy configuration invalid (%d errors):", len(e.Errors))
	for _, fe := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(fe.Error())
	}
	return sb.String()
}

// Validate checks cfg and returns a ValidationError listing every problem.
func Validate(cfg *Config) error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.URL == "" {
		add("url", "is required")
	} else if _, err := cfg.Endpoint(); err != nil {
		add("url", "%v", err)
	}

	if cfg.Timeout < 0 {
		add("timeout", "must not be negative")
	}
	if cfg.ReauthAfter < 0 {
		add("reauth_after", "must not be negative")
	}
	if _, err := fingerprint.ParsePreset(cfg.Preset); err != nil {
		add("preset", "%v", err)
	}
	if cfg.Pipelined && !cfg.Tunnel {
		add("pipelined", "requires tunnel")
	}

	if n := cfg.NTLM; n != nil {
		if n.Username == "" {
			add("ntlm.username", "is required")
		}
		switch strings.ToLower(n.HeaderScope) {
		case "", "proxy", "origin":
		default:
			add("ntlm.header_scope", "must be proxy or origin, got %q", n.HeaderScope)
		}
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
