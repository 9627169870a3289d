//go:build mage

// Package main contains Mage build targets for mdflow.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const binDir = "bin"

// binaries maps output names to their main packages.
var binaries = map[string]string{
	"mdflow-api":    "./cmd/api",
	"mdflow-worker": "./cmd/worker",
	"mdflow":        "./cmd/mdflow",
}

// Build compiles every binary into bin/.
func Build() error {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", binDir, err)
	}
	version := os.Getenv("VERSION")
	if version == "" {
		version = "dev"
	}
	for name, pkg := range binaries {
		out := filepath.Join(binDir, name)
		if err := sh.RunV("go", "build", "-ldflags", "-X main.version="+version, "-o", out, pkg); err != nil {
			return fmt.Errorf("go build %s: %w", pkg, err)
		}
		fmt.Printf("Built %s\n", out)
	}
	return nil
}

// Test runs the unit tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Vet runs go vet over the module.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Run starts the API with local dispatch and the in-memory store.
func Run() error {
	mg.Deps(Build)
	return sh.RunWithV(map[string]string{
		"MDFLOW_DISPATCH": "local",
		"MDFLOW_STORE":    "memory",
		"LOG_FORMAT":      "console",
	}, filepath.Join(binDir, "mdflow-api"))
}

// Clean removes build output.
func Clean() error {
	return sh.Rm(binDir)
}
