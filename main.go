package main

import (
	"os"

	"github.com/katasec/dstream-ingester-materialize/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
