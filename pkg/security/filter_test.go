package security

import (
	"strings"
	"testing"
)

func TestNewFilterValidator(t *testing.T) {
	tests := []struct {
		name     string
		safeMode bool
		want     bool
	}{
		{"Safe mode enabled", true, true},
		{"Unsafe mode enabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewFilterValidator(tt.safeMode)
			if v.IsSafeMode() != tt.want {
				t.Errorf("NewFilterValidator(%v).IsSafeMode() = %v, want %v",
					tt.safeMode, v.IsSafeMode(), tt.want)
			}
		})
	}
}

func TestFilterValidator_ValidateSafeMode(t *testing.T) {
	validator := NewFilterValidator(true)

	tests := []struct {
		name    string
		filter  string
		wantErr bool
		errMsg  string
	}{
		// Разрешенные условия
		{name: "Empty", filter: ""},
		{name: "Equality", filter: "name = 'Acme'"},
		{name: "SOQL with WHERE prefix", filter: "WHERE Name != null"},
		{name: "LIKE", filter: "LastName LIKE 'S%'"},
		{name: "Nested parens", filter: "(a = 1 OR (b = 2 AND c IS NULL))"},
		{name: "Column that contains keyword", filter: "deleted_at IS NULL AND updated_by = 'x'"},
		{name: "Keyword inside literal", filter: "notes = 'DROP TABLE; -- not code'"},
		{name: "Escaped quote", filter: `name = 'O\'Brien'`},
		{name: "Doubled quote", filter: "name = 'O''Brien'"},
		{name: "Subquery", filter: "id IN (SELECT account_id FROM contacts)"},

		// Запрещенные
		{name: "Second statement", filter: "1=1; DROP TABLE accounts", wantErr: true, errMsg: "multiple statements"},
		{name: "Line comment", filter: "name = 'a' -- rest", wantErr: true, errMsg: "comments (--)"},
		{name: "Block comment", filter: "name = 'a' /* x */", wantErr: true, errMsg: "comments (/* */)"},
		{name: "Union", filter: "1=1 UNION SELECT password FROM users", wantErr: true, errMsg: "'UNION'"},
		{name: "Delete", filter: "id IN (DELETE FROM accounts)", wantErr: true, errMsg: "'DELETE'"},
		{name: "Lowercase keyword", filter: "x = 1 or drop(y)", wantErr: true, errMsg: "'DROP'"},
		{name: "Unterminated literal", filter: "name = 'Acme", wantErr: true, errMsg: "unterminated"},
		{name: "Unbalanced parens", filter: "(a = 1", wantErr: true, errMsg: "unbalanced"},
		{name: "Closing paren first", filter: "a = 1) OR (1 = 1", wantErr: true, errMsg: "unbalanced"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.Validate(tt.filter)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate(%q) expected error, got nil", tt.filter)
					return
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate(%q) error = %v, want error containing %q", tt.filter, err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate(%q) unexpected error: %v", tt.filter, err)
			}
		})
	}
}

func TestFilterValidator_UnsafeMode(t *testing.T) {
	validator := NewFilterValidator(false)

	for _, filter := range []string{"1=1; DROP TABLE accounts", "name = 'a' -- x", "(("} {
		if err := validator.Validate(filter); err != nil {
			t.Errorf("Validate(%q) in unsafe mode returned %v", filter, err)
		}
	}
}
