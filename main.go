package main

import (
	"os"

	"github.com/iamdavid-vaughan/deploysub/cmd"
	"github.com/iamdavid-vaughan/deploysub/internal/errs"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(errs.ExitCode(err))
	}
}
