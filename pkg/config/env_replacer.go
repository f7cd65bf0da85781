// Package config provides helpers to preprocess the YAML configuration files
package config

import (
	"bytes"
	"os"
	"regexp"
)

// matches ${NAME}, ${env:NAME}, ${NAME:-default} and their $$-escaped forms
var envPlaceholder = regexp.MustCompile(`\$?\$\{(?:env:)?([a-zA-Z_][a-zA-Z0-9_]*)(?::-([^}]*))?\}`)

// ReplaceEnv substitutes the ${NAME} placeholders of a configuration file by the value of
// the NAME environment variable. If the variable is unset or empty, the value after :- is
// used, if any. $${NAME} is left as a literal ${NAME}.
func ReplaceEnv(content []byte) []byte {
	return envPlaceholder.ReplaceAllFunc(content, func(match []byte) []byte {
		if bytes.HasPrefix(match, []byte("$$")) {
			return match[1:]
		}
		groups := envPlaceholder.FindSubmatch(match)
		value := os.Getenv(string(groups[1]))
		if value == "" {
			value = string(groups[2])
		}
		return []byte(value)
	})
}
