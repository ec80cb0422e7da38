package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dyastin-0/zipline/cmd"
	"github.com/Dyastin-0/zipline/styles"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.New().Run(ctx, os.Args)
	os.Exit(exitCode(err))
}

// exitCode maps usage errors to 1 and every other failure to 2.
func exitCode(err error) int {
	if err == nil || errors.Is(err, cmd.ErrCanceled) {
		return 0
	}

	var exit cli.ExitCoder
	if errors.As(err, &exit) {
		if msg := exit.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, styles.ERROR.Render(msg))
		}
		return exit.ExitCode()
	}

	fmt.Fprintln(os.Stderr, styles.ERROR.Render(err.Error()))
	return 2
}
