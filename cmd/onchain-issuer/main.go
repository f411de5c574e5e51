package main

import (
	"os"
)

func main() {
	if err := createCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
