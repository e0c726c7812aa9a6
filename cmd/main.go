package main

import (
	"os"

	"github.com/dyike/tradeflow/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
