// Package cli provides the command-line interface of adescheck.
package cli

import (
	"fmt"
	"io"
	"os"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes.
const (
	ExitValid         = 0
	ExitInvalid       = 1
	ExitIndeterminate = 2
	ExitUsage         = 3
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Main runs the CLI with the process arguments and exits.
func Main() {
	osExit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run executes the CLI with the given arguments and returns the exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		Usage(stderr)
		return ExitUsage
	}

	switch command := args[1]; command {
	case "verify":
		return VerifyCommand(args[2:], stdout, stderr)
	case "version":
		VersionCommand(stdout)
		return ExitValid
	case "help", "-h", "--help":
		Usage(stdout)
		return ExitValid
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		Usage(stderr)
		return ExitUsage
	}
}

// Usage prints the CLI usage information.
func Usage(w io.Writer) {
	fmt.Fprintf(w, "adescheck - ICP-Brasil CAdES and XAdES signature verifier\n\n")
	fmt.Fprintf(w, "Usage: adescheck <command> [options]\n\n")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  verify   Verify the signatures of a CAdES or XAdES file")
	fmt.Fprintln(w, "  version  Show version information")
	fmt.Fprintln(w, "  help     Show this help message")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Use 'adescheck <command> -h' for command-specific help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  adescheck verify -sig contrato.p7s")
	fmt.Fprintln(w, "  adescheck verify -sig contrato.p7s -content contrato.pdf -json")
	fmt.Fprintln(w, "  adescheck verify -sig nota.xml -config adescheck.yaml -policy 2.16.76.1.7.1.6.2.3")
}

// VersionCommand prints version information.
func VersionCommand(w io.Writer) {
	fmt.Fprintf(w, "adescheck version %s\n", Version)
	fmt.Fprintf(w, "Build time: %s\n", BuildTime)
}
