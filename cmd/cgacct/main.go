package main

import (
	"os"

	"github.com/valtlin/cgacct/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
