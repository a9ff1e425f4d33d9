// Package main implements a small terminal client that follows one
// generation job to completion. It prefers the WebSocket progress
// stream and degrades to status polling when the stream cannot be
// kept alive, mirroring what a browser client does.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/push"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "server base URL")
	token := flag.String("token", "", "bearer token")
	jobIDRaw := flag.String("job", "", "job ID to watch")
	heartbeat := flag.Duration("heartbeat", 15*time.Second, "heartbeat interval")
	maxAttempts := flag.Int("max-attempts", 5, "reconnect attempts before degrading to polling")
	flag.Parse()

	if *jobIDRaw == "" {
		log.Fatal("missing -job flag")
	}
	jobID, err := uuid.Parse(*jobIDRaw)
	if err != nil {
		log.Fatalf("invalid job ID: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	wsBase := strings.Replace(*serverURL, "http", "ws", 1)
	watcher, err := push.NewWatcher(
		&push.WSDialer{
			BaseURL:          wsBase,
			Token:            *token,
			HeartbeatTimeout: 2 * *heartbeat,
		},
		&push.HTTPStatusFetcher{
			BaseURL: *serverURL,
			Token:   *token,
		},
		push.Config{
			HeartbeatInterval: *heartbeat,
			HeartbeatTimeout:  2 * *heartbeat,
			ReconnectBase:     time.Second,
			ReconnectCap:      30 * time.Second,
			MaxAttempts:       *maxAttempts,
		},
		logger,
	)
	if err != nil {
		log.Fatalf("failed to create watcher: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = watcher.Watch(ctx, jobID, push.WatchHandlers{
		OnEvent: func(event domain.ProgressEvent) {
			printStage(event.Stage, event.Percent, event.Detail)
		},
		OnStatus: func(job *domain.Job) {
			printStage(domain.Stage{Kind: job.Stage}, job.Percent, job.ErrorSummary)
		},
		OnStateChange: func(state push.State) {
			fmt.Fprintf(os.Stderr, "connection: %s\n", state)
		},
		OnDegraded: func(err error) {
			fmt.Fprintf(os.Stderr, "stream unavailable (%v), polling instead\n", err)
		},
	})
	if err != nil && ctx.Err() == nil {
		log.Fatalf("watch failed: %v", err)
	}
}

func printStage(stage domain.Stage, percent int, detail string) {
	label := string(stage.Kind)
	if stage.Kind == domain.StageGeneratingPage {
		label = fmt.Sprintf("illustrating page %d/%d", stage.Page, stage.TotalPages)
	}
	if detail != "" {
		fmt.Printf("[%3d%%] %-28s %s\n", percent, label, detail)
	} else {
		fmt.Printf("[%3d%%] %s\n", percent, label)
	}
}
