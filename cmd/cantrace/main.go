package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/roffe/canbus/cmd/cantrace/cmd"
	// Init transports
	_ "github.com/roffe/canbus/socketcan"
	_ "github.com/roffe/canbus/virtual"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel() // Setup interupt handler for ctrl-c
	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, os.Interrupt)
	go func() {
		s := <-quitChan
		slog.Info("exiting", "signal", s)
		cancel()
		// Failsafe if there is deadlocks
		<-time.After(15 * time.Second)
		slog.Error("took to long to shutdown, forcefully exiting")
		os.Exit(2)
	}()
	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
