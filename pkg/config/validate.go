package config

import "github.com/go-playground/validator/v10"

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(cfg any) error {
	return structValidator.Struct(cfg)
}
