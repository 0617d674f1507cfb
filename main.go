package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/config"
	"github.com/john/chatstream/internal/health"
	"github.com/john/chatstream/internal/kick"
	"github.com/john/chatstream/internal/render"
	"github.com/john/chatstream/internal/session"
	"github.com/john/chatstream/internal/twitch"
	"github.com/john/chatstream/internal/youtube"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file (default config.yaml if present)")
	streamURL := flag.String("url", "", "stream URL or channel name; overrides target in the config")
	format := flag.String("format", "", "output format: text or jsonl")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	path := *configPath
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *streamURL != "" {
		cfg.Target.URL = *streamURL
	}
	if *format != "" {
		cfg.Output.Format = *format
	}

	logger := newLogger(cfg.Log)
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Chatstream stopped")
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	target, err := cfg.ResolveTarget()
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}

	out, err := render.New(os.Stdout, cfg.Output.Format, render.WithBufferSize(cfg.Output.BufferSize))
	if err != nil {
		return err
	}

	logger.Info().
		Str("platform", target.Platform).
		Str("transport", string(target.Transport())).
		Str("channel", target.Channel).
		Msg("Chatstream starting")

	sess := session.New(newAdapter(cfg, target, logger), session.WithLogger(logger))
	defer sess.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if !cfg.Health.Disabled {
		healthServer := health.New(cfg.Health.Addr, sess, logger)
		g.Go(healthServer.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return healthServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() (err error) {
		// the health server stops once the stream does
		defer cancel()
		defer func() {
			if ferr := out.Flush(); ferr != nil && err == nil {
				err = fmt.Errorf("flush output: %w", ferr)
			}
		}()

		for msg, err := range sess.Listen(gctx) {
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			if err := out.Write(msg); err != nil {
				return err
			}
		}
		return nil
	})

	err = g.Wait()

	stats := sess.Stats()
	logger.Info().
		Uint64("delivered", stats.Delivered).
		Uint64("malformed", stats.Malformed).
		Uint64("duplicates", stats.Duplicates).
		Uint64("reconnects", stats.Reconnects).
		Int64("bytes_written", out.BytesWritten()).
		Msg("Session closed")
	return err
}

// newAdapter builds the adapter for target. ResolveTarget guarantees the
// platform is one of the supported ones.
func newAdapter(cfg *config.Config, target config.Target, logger zerolog.Logger) chat.Adapter {
	switch target.Platform {
	case config.PlatformYouTube:
		return youtube.New(youtube.Config{
			VideoID:              target.Channel,
			LiveChatID:           cfg.YouTube.LiveChatID,
			APIKey:               cfg.YouTube.APIKey,
			BaseURL:              cfg.YouTube.BaseURL,
			MinPollInterval:      cfg.YouTube.MinPollInterval,
			MaxConsecutiveErrors: cfg.YouTube.MaxConsecutiveErrors,
			QueueSize:            cfg.QueueSize,
		}, youtube.WithLogger(logger))

	case config.PlatformTwitch:
		return twitch.New(twitch.Config{
			Channel:          target.Channel,
			Username:         cfg.Twitch.Username,
			OAuth:            cfg.Twitch.OAuth,
			Addr:             cfg.Twitch.Addr,
			HandshakeTimeout: cfg.Timeouts.Handshake,
			AckTimeout:       cfg.Timeouts.Ack,
			KeepAlive:        cfg.Timeouts.KeepAlive,
			Reconnect:        cfg.Reconnect,
			QueueSize:        cfg.QueueSize,
		}, twitch.WithLogger(logger))

	default:
		return kick.New(kick.Config{
			Channel:          target.Channel,
			ChatroomID:       cfg.Kick.ChatroomID,
			SocketURL:        cfg.Kick.SocketURL,
			APIBaseURL:       cfg.Kick.APIBaseURL,
			InitEvent:        cfg.Kick.InitEvent,
			ChatEvents:       cfg.Kick.ChatEvents,
			HandshakeTimeout: cfg.Timeouts.Handshake,
			AckTimeout:       cfg.Timeouts.Ack,
			KeepAlive:        cfg.Timeouts.KeepAlive,
			Reconnect:        cfg.Reconnect,
			QueueSize:        cfg.QueueSize,
		}, kick.WithLogger(logger))
	}
}
