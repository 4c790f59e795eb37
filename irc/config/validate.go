package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/access"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the daemon's custom tags
// registered. Error messages use the yaml field names.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("sid", func(fl validator.FieldLevel) bool {
			return irc.ValidSID(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// Validate checks struct tags and the rules tags cannot express.
func Validate(c *Config) error {
	if err := Validator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, l := range c.AccessLines() {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("invalid config: access: %w", err)
		}
	}
	seen := map[string]bool{c.Server.SID: true}
	for _, l := range c.Network.Links {
		if l.SID == "" {
			continue
		}
		if seen[l.SID] {
			return fmt.Errorf("invalid config: link %s: duplicate sid %s", l.Name, l.SID)
		}
		seen[l.SID] = true
	}
	if c.Cloak.Template != "" && strings.Contains(c.Cloak.Template, "{hash}") && c.Cloak.Secret == "" {
		return fmt.Errorf("invalid config: cloak: {hash} needs a secret")
	}
	return nil
}

// HashPasswords replaces plaintext O-line passwords with bcrypt hashes.
func (c *Config) HashPasswords() error {
	for i, l := range c.Access.OLines {
		if l.Password == "" || access.IsHash(l.Password) {
			continue
		}
		h, err := access.HashPassword(l.Password)
		if err != nil {
			return fmt.Errorf("hash O-line %s: %w", l.Name, err)
		}
		c.Access.OLines[i].Password = h
	}
	return nil
}
