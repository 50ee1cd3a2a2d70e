package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	// Connection
	Admin string // admin base URL of the source broker
	Peer  string // UID of the broker messages are forwarded to

	// Run options
	Destination string
	Messages    int
	Duration    time.Duration
	Threads     int
	Reliable    bool
	BodySize    int

	// Retry
	Retry      bool
	MaxRetries int

	// Verify options
	Verify        bool          // Run verification after the run
	VerifyAdmin   string        // admin base URL of the receiving broker
	VerifyTimeout time.Duration // How long to wait for the destination to fill
	Expect        int64         // verify command: expected destination depth
}

func (c *Config) Validate() error {
	if c.Admin == "" {
		return fmt.Errorf("admin URL cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.Admin); err != nil {
		return fmt.Errorf("invalid admin URL: %w", err)
	}
	c.Admin = strings.TrimRight(c.Admin, "/")

	if c.Destination == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}
	if c.Messages < 0 {
		return fmt.Errorf("messages must be non-negative")
	}
	if c.Messages == 0 && c.Duration == 0 {
		return fmt.Errorf("either messages or duration must be set")
	}
	if c.BodySize < 0 {
		return fmt.Errorf("body size must be non-negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Verify {
		if c.VerifyAdmin == "" {
			return fmt.Errorf("verify requires --verify-admin")
		}
		c.VerifyAdmin = strings.TrimRight(c.VerifyAdmin, "/")
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("admin=%s peer=%s destination=%s messages=%d duration=%s threads=%d reliable=%v",
		c.Admin, c.Peer, c.Destination, c.Messages, c.Duration, c.Threads, c.Reliable)
}
