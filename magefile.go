//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target - build the binary
var Default = Build

// Build builds the stagegate binary into ./bin
func Build() error {
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	return sh.RunV("go", "build", "-o", "bin/stagegate", "./cmd/stagegate")
}

// Test runs the unit tests
func Test() error {
	return sh.RunV("go", "test", "./...")
}

// Race runs the unit tests with the race detector
func Race() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Vet runs go vet
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// QA runs formatting, vet and tests
func QA() error {
	out, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return err
	}
	if out != "" {
		return fmt.Errorf("files need gofmt:\n%s", out)
	}
	mg.SerialDeps(Vet, Test)
	return nil
}

// Validate checks the example manifest
func Validate() error {
	mg.Deps(Build)
	return sh.RunV("bin/stagegate", "validate", "examples/jenkins.yaml")
}

// Clean removes build artifacts
func Clean() error {
	return sh.Rm("bin")
}
