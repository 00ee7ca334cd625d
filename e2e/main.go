package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cornjacket/roadside/e2e/runner"
	_ "github.com/cornjacket/roadside/e2e/tests" // Register all tests
)

func main() {
	env := flag.String("env", "local", "Environment (local, dev, staging)")
	testName := flag.String("test", "", "Specific test to run (runs all if empty)")
	list := flag.Bool("list", false, "List available tests")
	flag.Parse()

	if *list {
		runner.List(os.Stdout)
		return
	}

	cfg, err := runner.LoadConfig(*env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	tests, err := runner.Tests(*testName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("roadside e2e against %s (%s)\n\n", cfg.BaseURL, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report := runner.Run(ctx, cfg, tests, os.Stdout)
	if len(tests) > 1 {
		report.Summarize(os.Stdout)
	}
	if report.Failed() > 0 || ctx.Err() != nil {
		os.Exit(1)
	}
}
