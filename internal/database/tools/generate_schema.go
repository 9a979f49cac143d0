package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"efv-go/internal/database"
	"efv-go/internal/database/migrations"
	"efv-go/internal/secret"
)

func main() {
	tmp, err := os.MkdirTemp("", "efv-schema-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmp)

	key, err := secret.NewKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create key: %v\n", err)
		os.Exit(1)
	}
	defer key.Close()

	var b strings.Builder
	b.WriteString(`-- This file is auto-generated from migration files.
-- DO NOT EDIT MANUALLY. Run 'go generate ./internal/database' to regenerate.
-- Source: internal/database/migrations/{keystore,index}/*.sql

`)

	for _, set := range migrations.Sets {
		schema, err := migratedSchema(filepath.Join(tmp, string(set)+".db"), key, set)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", set, err)
			os.Exit(1)
		}
		fmt.Fprintf(&b, "-- %s\n\n%s", set, schema)
	}

	outPath := filepath.Join("internal", "database", "sqlc", "schema.sql")
	if err := os.WriteFile(outPath, []byte(b.String()), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write schema file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Generated %s from migrations\n", outPath)
}

func migratedSchema(path string, key *secret.Key, set migrations.Set) (string, error) {
	db, err := database.OpenConnection(path, key)
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := migrations.MigrateUp(db, set); err != nil {
		return "", err
	}
	return extractSchema(db)
}

// extractSchema reads every CREATE statement from sqlite_master, skipping
// SQLite internals and the migration tracking table.
func extractSchema(db *sql.DB) (string, error) {
	query := `
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND name != 'schema_migrations'
		  AND tbl_name != 'schema_migrations'
		ORDER BY
		  CASE type
		    WHEN 'table' THEN 1
		    WHEN 'index' THEN 2
		  END,
		  name
	`

	rows, err := db.Query(query)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var schema strings.Builder
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scan failed: %w", err)
		}
		schema.WriteString(stmt + "\n\n")
	}

	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("rows error: %w", err)
	}

	return schema.String(), nil
}
