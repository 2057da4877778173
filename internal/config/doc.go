// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Unset optional fields pick up defaults via LoadWithDefaults; LoadAndValidate
// additionally checks required fields and value ranges.
package config
