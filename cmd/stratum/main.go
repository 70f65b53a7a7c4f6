package main

import (
	"os"

	"github.com/lowkeylabs/stratum/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
