// Sealbox - encrypted session store inspection and migration tool
//
// Opens a sealbox database file, running any pending schema migrations,
// and reports its contents.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/adrianmcphee/sealbox"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			runMigrate(os.Args[2:])
			return
		case "inspect":
			runInspect(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}
	printHelp()
	os.Exit(2)
}

func printHelp() {
	fmt.Println(`Sealbox - encrypted session store tool

Usage:
  sealbox migrate [flags]    Open the store and run pending migrations
  sealbox inspect [flags]    Print store version and record counts

Flags:
  --path string    Store file path (default "./sealbox.db")
  --secret string  Base64-encoded 32-byte store secret (optional)
  --verbose        Log migration progress`)
}

type storeFlags struct {
	path    string
	secret  string
	verbose bool
}

func parseStoreFlags(name string, args []string) *storeFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	f := &storeFlags{}
	fs.StringVar(&f.path, "path", "./sealbox.db", "Store file path")
	fs.StringVar(&f.secret, "secret", "", "Base64-encoded 32-byte store secret")
	fs.BoolVar(&f.verbose, "verbose", false, "Log migration progress")
	fs.Parse(args)
	return f
}

func openStore(f *storeFlags) (*sealbox.Store, error) {
	var secret []byte
	if f.secret != "" {
		decoded, err := base64.StdEncoding.DecodeString(f.secret)
		if err != nil {
			return nil, fmt.Errorf("invalid secret: %w", err)
		}
		secret = decoded
	}

	codec, err := sealbox.NewCodec(secret)
	if err != nil {
		return nil, err
	}

	opts := []sealbox.Option{}
	if f.verbose {
		logger, err := sealbox.NewDevelopmentZapLogger()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sealbox.WithLogger(logger))
	}

	return sealbox.Open(context.Background(), f.path, codec, opts...)
}

func runMigrate(args []string) {
	f := parseStoreFlags("migrate", args)

	store, err := openStore(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	version, err := store.Version()
	if err != nil {
		fmt.Fprintf(os.Stderr, "version read failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s is at schema version %d\n", f.path, version)
}

func runInspect(args []string) {
	f := parseStoreFlags("inspect", args)

	store, err := openStore(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	version, err := store.Version()
	if err != nil {
		fmt.Fprintf(os.Stderr, "version read failed: %v\n", err)
		os.Exit(1)
	}

	sessions, err := store.CountInboundSessions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
		os.Exit(1)
	}
	pending, err := store.InboundSessionsNeedingBackup(ctx, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup query failed: %v\n", err)
		os.Exit(1)
	}
	unsent, err := store.UnsentGossipRequests(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gossip query failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Store:            %s\n", f.path)
	fmt.Printf("Schema version:   %d\n", version)
	fmt.Printf("Inbound sessions: %d (%d awaiting backup)\n", sessions, len(pending))
	fmt.Printf("Unsent requests:  %d\n", len(unsent))
}
