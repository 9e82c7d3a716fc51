// Package main is the single-binary entrypoint for the router daemon and
// its CLI.
package main

import (
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/api"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/cli"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	api.Version = version
	cli.Execute(version)
}
