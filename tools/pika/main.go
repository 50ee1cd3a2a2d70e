package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runBenchmark(args)
	case "verify":
		runVerify(args)
	case "version":
		fmt.Printf("pika version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pika - forwarder load tool

Usage:
  pika <command> [options]

Commands:
  run       Queue messages for a peer through the admin API of the source broker
  verify    Wait until a destination on the receiving broker holds the expected count
  version   Print version
  help      Show this help

Run Options:
  --admin          Admin base URL of the source broker (default: http://127.0.0.1:4711/admin)
  --peer           UID of the receiving broker
  --destination    Destination name (default: pika/bench)
  --messages       Messages to queue (default: 10000)
  --duration       Duration to run (e.g., 60s), overrides --messages
  --threads        Concurrent senders (default: 8)
  --reliable       Send as reliable messages (default: true)
  --body-size      Body bytes per message (default: 128)
  --retry          Retry 5xx and transport errors (default: true)
  --max-retries    Maximum retry attempts (default: 3)
  --verify         Verify delivery after the run (default: false)
  --verify-admin   Admin base URL of the receiving broker
  --verify-timeout How long to wait for delivery (default: 60s)

Verify Options:
  --admin          Admin base URL of the receiving broker
  --destination    Destination name (default: pika/bench)
  --expect         Expected destination depth
  --timeout        How long to wait (default: 60s)

Examples:
  pika run --admin=http://127.0.0.1:4711/admin --peer=beta --messages=50000 --threads=16
  pika verify --admin=http://127.0.0.1:4712/admin --expect=50000`)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, shutting down...")
		cancel()
	}()
	return ctx, cancel
}

func runBenchmark(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	fs.StringVar(&cfg.Admin, "admin", "http://127.0.0.1:4711/admin", "Admin base URL of the source broker")
	fs.StringVar(&cfg.Peer, "peer", "", "UID of the receiving broker")
	fs.StringVar(&cfg.Destination, "destination", "pika/bench", "Destination name")
	fs.IntVar(&cfg.Messages, "messages", 10000, "Messages to queue")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run (overrides --messages)")
	fs.IntVar(&cfg.Threads, "threads", 8, "Concurrent senders")
	fs.BoolVar(&cfg.Reliable, "reliable", true, "Send as reliable messages")
	fs.IntVar(&cfg.BodySize, "body-size", 128, "Body bytes per message")
	fs.BoolVar(&cfg.Retry, "retry", true, "Retry 5xx and transport errors")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 3, "Maximum retry attempts")
	fs.BoolVar(&cfg.Verify, "verify", false, "Verify delivery after the run")
	fs.StringVar(&cfg.VerifyAdmin, "verify-admin", "", "Admin base URL of the receiving broker")
	fs.DurationVar(&cfg.VerifyTimeout, "verify-timeout", 60*time.Second, "How long to wait for delivery")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}
	if cfg.Duration > 0 {
		cfg.Messages = 0
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	fmt.Printf("Running: %s\n", cfg)
	start := time.Now()
	stats := executeRun(ctx, cfg, client, true)
	stats.PrintFinal(time.Since(start))

	if !cfg.Verify {
		return
	}
	fmt.Printf("\nVerifying %d messages in %s...\n", stats.Sent(), cfg.Destination)
	depth, err := waitForDepth(ctx, client, cfg.VerifyAdmin, cfg.Destination, int64(stats.Sent()), cfg.VerifyTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Verified: %d messages delivered\n", depth)
}

func runVerify(args []string) {
	var (
		admin       string
		destination string
		expect      int64
		timeout     time.Duration
	)
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.StringVar(&admin, "admin", "http://127.0.0.1:4711/admin", "Admin base URL of the receiving broker")
	fs.StringVar(&destination, "destination", "pika/bench", "Destination name")
	fs.Int64Var(&expect, "expect", 0, "Expected destination depth")
	fs.DurationVar(&timeout, "timeout", 60*time.Second, "How long to wait")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}
	if expect < 1 {
		fmt.Fprintln(os.Stderr, "--expect must be at least 1")
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	depth, err := waitForDepth(ctx, client, admin, destination, expect, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Verified: %d messages in %s\n", depth, destination)
}
