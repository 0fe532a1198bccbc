// Command taskhost runs and administers a background task host.
//
//	taskhost --config taskhost.yaml migrate
//	taskhost --config taskhost.yaml run
//	taskhost --config taskhost.yaml enqueue emails '{"to":"a@example.com"}'
//	taskhost --config taskhost.yaml stats emails
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
