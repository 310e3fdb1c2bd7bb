package main

import (
	"os"

	"github.com/username/cryptotax/src/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
