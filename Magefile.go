//go:build mage
// +build mage

package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	_ "modernc.org/sqlite"
)

const binaryName = "scadloop"

// Build builds the worker binary
func Build() error {
	mg.Deps(Lint, Test)

	fmt.Printf("Building %s...\n", binaryName)

	return sh.RunV("go", "build",
		"-o", "bin/"+binaryName,
		"-ldflags", "-s -w",
		".")
}

// Test runs Go unit tests
func Test() error {
	fmt.Println("Running Go tests...")
	return sh.RunV("go", "test", "-v", "-race", "-coverprofile=coverage.out", "./...")
}

// Lint runs golangci-lint
func Lint() error {
	fmt.Println("Running linters...")
	return sh.RunV("golangci-lint", "run")
}

// LintFix runs linters with auto-fix
func LintFix() error {
	fmt.Println("Running linters with auto-fix...")
	return sh.RunV("golangci-lint", "run", "--fix")
}

// ValidateDBs checks the worker databases exist and carry their required
// tables
func ValidateDBs() error {
	fmt.Println("Checking database schemas...")

	requiredTables := map[string][]string{
		binaryName + ".lifecycle.db": {"jobs", "job_attempts", "anomalies"},
		binaryName + ".output.db":    {"metrics", "results", "latency_histogram"},
		binaryName + ".metadata.db":  {"secrets", "telemetry_events"},
	}

	for dbPath, tables := range requiredTables {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("missing database %s (run the worker once to create it)", dbPath)
		}

		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", dbPath, err)
		}
		defer db.Close()

		for _, tableName := range tables {
			var exists bool
			err = db.QueryRow(`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name=?)`,
				tableName).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check table %s in %s: %w", tableName, dbPath, err)
			}
			if !exists {
				return fmt.Errorf("missing required table '%s' in %s", tableName, dbPath)
			}
		}

		fmt.Printf("  ok %s\n", filepath.Base(dbPath))
	}

	return nil
}

// Check runs validation + build + test
func Check() error {
	mg.Deps(Lint, Test, Build)
	fmt.Println("All checks passed")
	return nil
}

// Clean removes build artifacts
func Clean() error {
	fmt.Println("Cleaning...")
	os.RemoveAll("bin")
	os.RemoveAll("coverage.out")
	return nil
}

// Run builds and runs the worker
func Run() error {
	mg.Deps(Build)

	return sh.RunV("./bin/" + binaryName)
}
