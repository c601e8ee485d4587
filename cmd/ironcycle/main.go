package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/ironloop/ironcycle/internal/traceflag"
)

const version = "0.1.0"

func newLogger() zerolog.Logger {
	if traceflag.Enabled() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, func() { signal.Stop(sigCh); cancel() }
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("ironcycle %s\n", version)
	case "run":
		runRuntime(os.Args[2:])
	case "registry":
		runRegistryCmd(os.Args[2:])
	case "pairing":
		runPairingCmd(os.Args[2:])
	case "conformance":
		runConformanceCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  ironcycle --version")
	fmt.Fprintln(os.Stderr, "  ironcycle run --config <runtime.yaml>")
	fmt.Fprintln(os.Stderr, "  ironcycle registry init|publish|download|verify|list --root <dir> [...]")
	fmt.Fprintln(os.Stderr, "  ironcycle pairing start|claim|list|revoke --store <file> [...]")
	fmt.Fprintln(os.Stderr, "  ironcycle conformance run --root <dir> --expected <dir> [--update-expected]")
}
