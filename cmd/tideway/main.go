package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tideway/tideway/cmd/tideway/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	os.Exit(commands.Execute(ctx, Version, Commit, BuildDate))
}
