// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for security-critical values.
//
// User-provided table names and schema names end up inside generated SQL and
// scope filters. Validating them here prevents identifier injection.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches unquoted Oracle identifiers.
// Allows: a leading letter, then letters, digits, underscore, $ and #.
// Max length: 30 characters (the pre-12.2 limit, which MIMIC respects).
var identifierPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_$#]{0,29}$`)

// ValidateIdentifier validates a table or schema name.
//
// Valid identifiers:
//   - 1-30 characters
//   - Start with a letter
//   - Letters A-Z, digits 0-9, underscore, $ and #
//
// Returns an error if the identifier is invalid.
//
// Example:
//
//	if err := validation.ValidateIdentifier(table); err != nil {
//	    return fmt.Errorf("invalid table name: %w", err)
//	}
//	// Safe to use in a scope filter
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier: %q (must be 1-30 chars, start with a letter, contain only A-Z, 0-9, _, $, #)", name)
	}

	return nil
}

// ValidateIdentifiers validates multiple identifiers.
// Returns an error listing all invalid names if any fail validation.
func ValidateIdentifiers(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateIdentifier(n); err != nil {
			invalid = append(invalid, n)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %v", invalid)
	}
	return nil
}

// SanitizeIdentifier normalizes and validates a table or schema name.
// Returns the uppercase name if valid, or an error if invalid.
func SanitizeIdentifier(name string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if err := ValidateIdentifier(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
