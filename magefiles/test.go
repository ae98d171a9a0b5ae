//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Test groups test targets (all, unit, integration).
type Test mg.Namespace

// Backend DSNs read by the store integration tests.
const (
	envPostgresDSN  = "DOCSTORE_TEST_POSTGRES_DSN"
	envSQLServerDSN = "DOCSTORE_TEST_SQLSERVER_DSN"
)

// All runs all tests. Server backends run when their DSN is set.
func (Test) All() error {
	return sh.RunV(binGo, "test", "./...")
}

// Unit runs all tests with the server backends disabled.
func (Test) Unit() error {
	env := map[string]string{envPostgresDSN: "", envSQLServerDSN: ""}
	return sh.RunWithV(env, binGo, "test", "./...")
}

// Integration starts the backend containers and runs the server backend
// tests against them.
func (Test) Integration() error {
	mg.Deps(Docker.Up)
	env := map[string]string{
		envPostgresDSN:  postgresDSN,
		envSQLServerDSN: sqlServerDSN,
	}
	for k := range env {
		if cur := os.Getenv(k); cur != "" {
			env[k] = cur
		}
	}
	fmt.Fprintln(os.Stderr, "Running server backend tests...")
	return sh.RunWithV(env, binGo, "test", "-v", "-count=1", "-run", "Integration", "./internal/store/...")
}
