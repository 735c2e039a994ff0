package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/rankflux/internal/cli"
	"github.com/sheerbytes/rankflux/internal/termio"
)

func main() {
	termio.Init()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], termio.Stdout(), termio.Stderr())
	stop()
	termio.Flush(2 * time.Second)
	os.Exit(code)
}
