package main

import (
	"os"

	"github.com/myrialabs/agentstream/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
