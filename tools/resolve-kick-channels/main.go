package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/john/chatstream/internal/kick"
)

// output is printed as YAML; each entry can be pasted into the kick section
// of config.yaml to skip the chatroom lookup at startup
type output struct {
	Channels []kick.Channel `yaml:"channels"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: resolve-kick-channels <channel1> [channel2] ...")
		fmt.Println("\nExample:")
		fmt.Println("  resolve-kick-channels paymoneywubby xqc")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	slugs := os.Args[1:]
	fmt.Fprintf(os.Stderr, "Resolving %d Kick channel(s)...\n", len(slugs))

	resolver := kick.NewResolver(os.Getenv("KICK_API_BASE_URL"), nil)
	results := make([]kick.Channel, len(slugs))
	failures := make([]error, len(slugs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, slug := range slugs {
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(gctx, 15*time.Second)
			defer cancel()
			results[i], failures[i] = resolver.Resolve(reqCtx, slug)
			return nil
		})
	}
	_ = g.Wait()

	var out output
	failed := 0
	for i, slug := range slugs {
		if failures[i] != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", slug, failures[i])
			failed++
			continue
		}
		out.Channels = append(out.Channels, results[i])
	}

	if len(out.Channels) > 0 {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode YAML: %v\n", err)
			os.Exit(1)
		}
		_ = enc.Close()
	}

	if failed > 0 {
		os.Exit(1)
	}
}
