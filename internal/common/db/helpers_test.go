package db

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestMySQLErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		duplicate bool
		missing   bool
	}{
		{"duplicate", fmt.Errorf("exec: %w", &mysql.MySQLError{Number: 1062}), true, false},
		{"missing fk", &mysql.MySQLError{Number: 1452}, false, true},
		{"missing fk legacy", &mysql.MySQLError{Number: 1216}, false, true},
		{"other mysql", &mysql.MySQLError{Number: 1146}, false, false},
		{"plain", fmt.Errorf("boom"), false, false},
		{"nil", nil, false, false},
	}
	for _, tc := range cases {
		if got := IsDuplicateKey(tc.err); got != tc.duplicate {
			t.Fatalf("%s: IsDuplicateKey = %v", tc.name, got)
		}
		if got := IsMissingReference(tc.err); got != tc.missing {
			t.Fatalf("%s: IsMissingReference = %v", tc.name, got)
		}
	}
}

func TestIsNoRowsWrapped(t *testing.T) {
	if !IsNoRows(fmt.Errorf("scan: %w", sql.ErrNoRows)) {
		t.Fatalf("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(nil) {
		t.Fatalf("nil should not match")
	}
}

func TestMySQLConfigDefaults(t *testing.T) {
	cfg := &MySQLConfig{DSN: "x", MaxOpenConnections: 3}
	cfg.applyDefaults()
	if cfg.MaxOpenConnections != 3 {
		t.Fatalf("explicit value overwritten: %d", cfg.MaxOpenConnections)
	}
	if cfg.MaxIdleConnections != 5 || cfg.ConnMaxLifetime == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
