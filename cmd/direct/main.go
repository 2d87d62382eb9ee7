// Command direct sends and receives Direct messages from the command line.
//
// Usage:
//
//	direct [-config direct.yaml] [-env .env] <command> [flags]
//
// Commands:
//
//	provision    generate the identity certificate into certs.dir
//	send         sign, encrypt and send a message
//	fetch        fetch, decrypt and verify pending messages
//	ack          acknowledge envelopes by id
//	count        print the number of pending envelopes
//	health       check backend reachability
//	watch        stream messages as JSON lines, acknowledging each
//	verify-audit recompute the audit hash chain
//
// Every command writes JSON to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], DefaultConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "direct: %v\n", err)
		os.Exit(1)
	}
}
