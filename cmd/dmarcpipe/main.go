package main

import (
	"os"

	"github.com/kidager/dmarcpipe/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
