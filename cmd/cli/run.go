package main

import (
	"agentflow/internal/app"
	"agentflow/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agentflow engine",
	Long:  `Start the scheduler and the HTTP API and run until interrupted.`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}

	if err := app.Run(cfg); err != nil {
		logrus.Fatalf("Failed to start: %v", err)
	}
}
