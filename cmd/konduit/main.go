package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/konduit-run/konduit/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize engine: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(); err != nil {
		a.Log.Error("Failed to start engine", "error", err)
		return
	}
	a.Log.Info("konduit engine running", "worker_id", a.Pool.ID())

	// Block until SIGINT/SIGTERM; Close drains the pool.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	a.Log.Info("shutdown signal received, draining")
}
