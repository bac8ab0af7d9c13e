package main

import (
	"os"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
