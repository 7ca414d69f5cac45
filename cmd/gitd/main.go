package main

import (
	"os"

	"github.com/forgecellar/gitcore/cmd/gitd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
