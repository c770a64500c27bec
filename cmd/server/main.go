package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Tyrowin/pollchat/internal/logging"
	"github.com/Tyrowin/pollchat/internal/server"
)

func main() {
	cfg, err := server.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	app := server.NewApp(cfg, logger)
	if err := app.Run(context.Background()); err != nil {
		logger.Error(context.Background(), "server exited", "error", err)
		os.Exit(1)
	}
}
