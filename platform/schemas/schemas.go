// Package schemas embeds the JSON schemas of all request bodies
package schemas

import (
	"embed"

	"github.com/voxtro/backend/core/schema"
)

//go:embed *.json
var files embed.FS

// Validator returns a validator for all embedded schemas
func Validator() (*schema.Validator, error) {
	return schema.NewValidatorFromFS(files)
}

// MustValidator is like Validator but panics on error. Useful in tests and main.
func MustValidator() *schema.Validator {
	v, err := Validator()
	if err != nil {
		panic(err)
	}
	return v
}
