package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	ids := make(map[string]bool)
	for i, r := range cfg.Resources {
		if ids[r.ID] {
			return fmt.Errorf("resources[%d]: duplicate resource id %q", i, r.ID)
		}
		ids[r.ID] = true
	}
	if cfg.Undo.TrashRetention < cfg.Undo.Expiry {
		return fmt.Errorf("undo: trash_retention (%s) must not be shorter than expiry (%s)",
			cfg.Undo.TrashRetention, cfg.Undo.Expiry)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
