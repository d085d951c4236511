// Command adescheck verifies CAdES and XAdES signatures against ICP-Brasil
// signature policies.
//
// Usage:
//
//	adescheck <command> [options]
//
// Commands:
//
//	verify   Verify the signatures of a CAdES or XAdES file
//	version  Show version information
//	help     Show help message
//
// Examples:
//
//	# Verify an attached CAdES signature
//	adescheck verify -sig contrato.p7s
//
//	# Verify a detached signature with JSON output
//	adescheck verify -sig contrato.p7s -content contrato.pdf -json
package main

import (
	"github.com/kyriosdata/seguranca-sub004/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/adescheck
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Main()
}
