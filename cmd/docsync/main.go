package main

import (
	"os"

	"github.com/creastat/docsession/cmd/docsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
