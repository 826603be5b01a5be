package main

import (
	"os"

	"github.com/MEKXH/ccapproval/cmd/ccapproval/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
