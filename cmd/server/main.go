package main

import (
	"os"

	"github.com/yokitheyo/qms-uploader/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
