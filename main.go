package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"git.platform.alem.school/amibragim/delayed-orders/cmd/delayconsumer"
	"git.platform.alem.school/amibragim/delayed-orders/cmd/orderapi"
	"git.platform.alem.school/amibragim/delayed-orders/cmd/standalone"
	"git.platform.alem.school/amibragim/delayed-orders/internal/cli"
)

func main() {
	// check for help flag first
	if len(os.Args) == 2 && (os.Args[1] == "--help" || os.Args[1] == "-h") {
		cli.PrintUsage(os.Stdout)
		os.Exit(0)
	}

	// parse all command-line arguments
	mode, svcArgs, err := cli.ParseMode(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cli.PrintUsage(os.Stderr)
		os.Exit(2)
	}

	// ensure that mode is not empty
	if mode == "" {
		cli.PrintUsage(os.Stderr)
		os.Exit(2)
	}

	// create context cancelled on SIGINT/SIGTERM signals ensuring graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// run the process specified by the mode flag
	switch mode {
	case cli.ModeOrderAPI:
		f, err := cli.ParseOrderAPIFlags(svcArgs, os.Stderr)
		exitOnFlagError(err)
		err = orderapi.Run(ctx, f.Config, f.Port, f.MaxConcurrent)
		exitOnError(err)

	case cli.ModeDelayConsumer:
		f, err := cli.ParseConsumerFlags(svcArgs, os.Stderr)
		exitOnFlagError(err)
		err = delayconsumer.Run(ctx, f.Config, f.Workers, f.Prefetch)
		exitOnError(err)

	case cli.ModeStandalone:
		f, err := cli.ParseStandaloneFlags(svcArgs, os.Stderr)
		exitOnFlagError(err)
		err = standalone.Run(ctx, standalone.Options{
			ConfigPath:    f.Config,
			Port:          f.Port,
			MaxConcurrent: f.MaxConcurrent,
			Workers:       f.Workers,
			Prefetch:      f.Prefetch,
			TTL:           f.TTL,
		})
		exitOnError(err)
	}
}

func exitOnFlagError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(2)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
