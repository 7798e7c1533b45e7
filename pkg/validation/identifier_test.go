// Copyright (C) 2025 QueryLens
// See the LICENSE.txt file for the full license text.

package validation

import (
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		ident   string
		wantErr bool
	}{
		// Valid identifiers
		{"simple", "PATIENTS", false},
		{"single char", "A", false},
		{"with digit", "D_ICD_DIAGNOSES", false},
		{"with underscore", "LABEVENTS", false},
		{"with dollar", "V$SESSION", false},
		{"with hash", "TMP#1", false},
		{"max length", "A234567890123456789012345678901"[:30], false},

		// Invalid identifiers
		{"empty", "", true},
		{"lowercase", "patients", true},
		{"leading digit", "1PATIENTS", true},
		{"leading underscore", "_PATIENTS", true},
		{"space", "PATIENTS X", true},
		{"semicolon", "PATIENTS;DROP", true},
		{"quote", `"PATIENTS"`, true},
		{"too long", "A2345678901234567890123456789012", true},
		{"dot qualified", "MIMIC.PATIENTS", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.ident)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.ident, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	if err := ValidateIdentifiers([]string{"PATIENTS", "ADMISSIONS"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := ValidateIdentifiers([]string{"PATIENTS", "bad name", "1X"})
	if err == nil {
		t.Fatal("expected error for invalid identifiers")
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	got, err := SanitizeIdentifier("  patients ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "PATIENTS" {
		t.Errorf("got %q, want PATIENTS", got)
	}

	if _, err := SanitizeIdentifier("drop table x"); err == nil {
		t.Error("expected error for invalid input")
	}
}
