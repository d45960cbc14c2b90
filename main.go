package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-vae/cmd"
)

func main() {
	err := cmd.NewCLI().ExecuteContext(context.Background())
	if cmd.IsConfigurationError(err) {
		os.Exit(2)
	}
	cobra.CheckErr(err)
}
