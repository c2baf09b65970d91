package main

import (
	"os"

	"github.com/conneroisu/exthmr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
