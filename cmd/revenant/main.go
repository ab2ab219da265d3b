package main

import (
	"os"

	"github.com/poltergeist/revenant/pkg/cli"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
