package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/putto11262002/discuss/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	cli.Execute(ctx)
}
