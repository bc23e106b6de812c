package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "conveyor",
		Short: "Conveyor - verified change-request runs",
		Long: `Conveyor drives change-request tickets through fixed phase chains:
plan, build, check, test, review, document, publish, cleanup. Every
externally visible effect is cross-checked before a run may finish,
so a run that claims success has actually landed its merge.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
