package main

import (
	"os"

	"github.com/orsondmc/coordshare/cmd/coordshare/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
