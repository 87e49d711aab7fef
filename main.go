package main

import (
	"os"

	"github.com/jacklau/eventbus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
