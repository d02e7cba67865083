package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rajeee/chatdf/pkg/api"
	"github.com/rajeee/chatdf/pkg/chatsync"
	"github.com/rajeee/chatdf/pkg/localstore"
)

func newChatCommand() *cobra.Command {
	var convID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Connect to the server and converse in a streaming session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), convID)
		},
	}
	cmd.Flags().StringVar(&convID, "conversation", "", "conversation id to resume (default: new conversation)")
	return cmd
}

func runChat(parent context.Context, convID string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := api.New(cfg.ServerURL)
	if err != nil {
		return err
	}

	store, err := localstore.Open(cfg.HistoryPath)
	if err != nil {
		// Best-effort cache: run without persistence.
		log.Warn().Err(err).Msg("local store unavailable, drafts and history disabled")
		store = nil
	}
	defer func() { _ = store.Close() }()

	engine, err := chatsync.NewEngine(chatsync.EngineConfig{
		WebSocketURL:   cfg.WebSocketURL,
		Fetcher:        client,
		Usage:          client,
		InitialBackoff: time.Duration(cfg.Reconnect.InitialSeconds) * time.Second,
		MaxBackoff:     time.Duration(cfg.Reconnect.MaxSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	if err := engine.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}

	if convID == "" {
		convID = uuid.NewString()
		fmt.Printf("new conversation %s\n", convID)
	}
	if err := engine.Loader().Switch(ctx, convID); err != nil {
		log.Warn().Err(err).Str("conv_id", convID).Msg("conversation snapshot unavailable")
	}
	for _, m := range engine.Session().Messages() {
		printMessage(m)
	}
	if draft := store.Draft(convID); draft != "" {
		fmt.Printf("(recovered draft) %s\n", draft)
	}

	eg, runCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return promptLoop(runCtx, engine, client, store, convID)
	})
	return eg.Wait()
}

func promptLoop(ctx context.Context, engine *chatsync.Engine, client *api.Client, store *localstore.Store, convID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("type a question, /datasets to list datasets, /quit to exit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/datasets":
			for _, ds := range engine.Datasets().ByConversation(convID) {
				status := string(ds.Status)
				if elapsed, slow, ok := engine.Datasets().Elapsed(ds.ID, time.Now()); ok {
					status = fmt.Sprintf("loading %ds", int(elapsed.Seconds()))
					if slow {
						status += " (still working...)"
					}
				}
				fmt.Printf("  %s  %s  %s\n", ds.ID, ds.Name, status)
			}
			continue
		}

		if engine.Session().RateLimited() {
			fmt.Println("daily limit reached, try again after the window resets")
			store.SaveDraft(convID, line)
			continue
		}
		res, err := client.SubmitPrompt(ctx, convID, line)
		if err != nil {
			// Keep the unsent prompt as the conversation draft.
			store.SaveDraft(convID, line)
			log.Error().Err(err).Msg("prompt submission failed")
			continue
		}
		store.SaveDraft(convID, "")
		store.RecordQuery(line)
		if err := waitForTurn(ctx, engine, res.MessageID); err != nil {
			return err
		}
	}
}

// waitForTurn blocks until the assistant message finalizes or the session
// returns to idle (timeout or failure), then prints the result.
func waitForTurn(ctx context.Context, engine *chatsync.Engine, messageID string) error {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	var lastBanner string
	var warnedSlow bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if banner := engine.Notifier().Banner(); banner != lastBanner {
			lastBanner = banner
			if banner != "" {
				fmt.Printf("[%s]\n", banner)
			}
		}
		phase, slow := engine.Session().Phase()
		if slow && !warnedSlow {
			warnedSlow = true
			fmt.Println("still working...")
		}
		if m, ok := engine.Session().Message(messageID); ok && m.Finalized() {
			printMessage(m)
			return nil
		}
		if phase == chatsync.PhaseIdle {
			for _, n := range engine.Notifier().Notices() {
				fmt.Printf("[%s] %s\n", n.Level, n.Text)
			}
			return nil
		}
	}
}

func printMessage(m chatsync.Message) {
	role := string(m.Role)
	if role == "" {
		role = "assistant"
	}
	fmt.Printf("%s: %s\n", role, m.Content)
	for _, ex := range m.Executions {
		fmt.Printf("  sql> %s\n", ex.Query)
		if ex.Error != "" {
			fmt.Printf("  error: %s\n", ex.Error)
			continue
		}
		if ex.TotalRows != nil {
			fmt.Printf("  %d rows", *ex.TotalRows)
			if ex.ExecutionTimeMs != nil {
				fmt.Printf(" in %dms", *ex.ExecutionTimeMs)
			}
			fmt.Println()
		}
	}
}
