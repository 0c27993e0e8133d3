package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "aegis",
		Short: "Desktop security monitoring daemon",
		Long:  `Aegis supervises background scans and telemetry workers, exposing status over a local control plane.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.aegis/config.yaml)")

	rootCmd.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newDoctorCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return ""
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show aegis version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aegis v%s\n", version)
		},
	}
}
