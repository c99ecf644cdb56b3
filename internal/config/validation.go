package config

import (
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags and then the rules tags cannot express. The
// returned error is a *errors.DriveError with code CONFIG_VALIDATION.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigValidation, formatValidationError(err).Error(), err).
			WithComponent("config")
	}
	if err := validateCustomRules(c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigValidation, err.Error(), err).
			WithComponent("config")
	}
	return nil
}

func validateCustomRules(c *Configuration) error {
	ids := make(map[string]int)
	mounts := make(map[string]int)
	for i, s := range c.Servers {
		if s.ID != "" {
			if j, dup := ids[s.ID]; dup {
				return fmt.Errorf("servers[%d]: duplicate id %q (also servers[%d])", i, s.ID, j)
			}
			ids[s.ID] = i
		}

		mp := filepath.Clean(s.Mount.MountPoint)
		if j, dup := mounts[mp]; dup {
			return fmt.Errorf("servers[%d]: mount point %q already used by servers[%d]", i, s.Mount.MountPoint, j)
		}
		mounts[mp] = i

		if s.Pool.ReconnectMax < s.Pool.ReconnectInitial {
			return fmt.Errorf("servers[%d]: pool.reconnect_max (%s) is below pool.reconnect_initial (%s)",
				i, s.Pool.ReconnectMax, s.Pool.ReconnectInitial)
		}
		if s.Connection.RootPath != "" && s.Connection.RootPath[0] != '/' {
			return fmt.Errorf("servers[%d]: connection.root_path must be absolute", i)
		}
	}
	if _, err := c.BufferMemoryBytes(); err != nil {
		return fmt.Errorf("global: %w", err)
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
