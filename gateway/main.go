package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentplanet/acn/internal/acn"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	if err := acn.StartGateway(ctx); err != nil {
		panic(err)
	}
}
