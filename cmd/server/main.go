package main

import (
	"agentflow/internal/app"
	"agentflow/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	// Read the config file (default ./config.yml) and initialize logging.
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}

	if err := app.Run(cfg); err != nil {
		logrus.Fatalf("Failed to start: %v", err)
	}
}
