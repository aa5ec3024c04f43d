// gatewayd — remote tunnel gateway core
// License: MIT
//
// Copyright (c) 2026 DevOpsClaw contributors

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/freitascorp/gatewayd/internal/xerrors"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("gatewayd %s\n", formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to spec.md §6's exit code contract: 0
// success (never reached here — this only runs on error), 1 for generic
// failure, >1 for a few well-known kinds a caller might script against.
func exitCode(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.Permission:
		return 3
	case xerrors.Unavailable:
		return 2
	default:
		return 1
	}
}
