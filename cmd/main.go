package main

import (
	"fmt"
	"os"

	"github.com/yungbote/kbchat-backend/internal/cli"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cli.NewRoot(log).Execute(); err != nil {
		log.Error("Command failed", "error", err)
		log.Sync()
		os.Exit(1)
	}
}
