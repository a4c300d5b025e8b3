package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/notesync/internal/httpapi"
	"github.com/agentworkforce/notesync/internal/notes"
	"github.com/agentworkforce/notesync/internal/syncclient"
)

func (a *app) newRunCmd(flagCfg *clientConfig) *cobra.Command {
	var offline, once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Flush the queue on a timer, on reconnect and on file changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireToken(); err != nil && !offline {
				return err
			}
			return a.run(cmd.Context(), offline, once)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&flagCfg.WatchDir, "watch-dir", "", "directory of *.md notes to watch (NOTESYNC_WATCH_DIR)")
	flags.DurationVar(&flagCfg.Interval, "interval", syncclient.DefaultFlushInterval, "flush interval")
	flags.Float64Var(&flagCfg.IntervalJitter, "interval-jitter", syncclient.DefaultIntervalJitter, "flush interval jitter ratio (0.0-1.0)")
	flags.BoolVar(&offline, "offline", false, "queue changes without contacting the server")
	flags.BoolVar(&once, "once", false, "run one flush and exit")
	return cmd
}

func (a *app) run(ctx context.Context, offline, once bool) error {
	var (
		status syncclient.StatusProvider
		live   *syncclient.LiveStatus
	)
	switch {
	case offline:
		status = syncclient.NewManualStatus(false)
	case once:
		status = syncclient.NewManualStatus(true)
	default:
		live = syncclient.NewLiveStatus(a.cfg.BaseURL, a.cfg.Token, syncclient.LiveStatusOptions{Logger: a.logger})
		status = live
	}

	return a.withOrchestrator(ctx, status, func(orch *syncclient.Orchestrator) error {
		var watcher *syncclient.Watcher
		if dir := strings.TrimSpace(a.cfg.WatchDir); dir != "" {
			var err error
			watcher, err = syncclient.NewWatcher(dir, orch, syncclient.WatcherOptions{Logger: a.logger})
			if err != nil {
				return err
			}
			if err := watcher.Scan(ctx); err != nil {
				return fmt.Errorf("scan %s: %w", dir, err)
			}
		}

		if once {
			if offline {
				return nil
			}
			report, err := orch.Flush(ctx)
			if err != nil {
				return err
			}
			return a.printJSON(report)
		}

		g, gctx := errgroup.WithContext(ctx)
		if live != nil {
			g.Go(func() error { return live.Run(gctx) })
		}
		if watcher != nil {
			g.Go(func() error { return watcher.Run(gctx) })
		}
		g.Go(func() error { return orch.Run(gctx) })
		a.logger.Info("sync client running", "base_url", a.cfg.BaseURL, "watch_dir", a.cfg.WatchDir, "offline", offline)

		err := g.Wait()
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			err = nil
		}
		// Teardown warning for intents that never reached the server.
		if left, countErr := orch.HasUnsyncedWork(context.WithoutCancel(ctx)); countErr == nil && left > 0 {
			a.logger.Warn("exiting with unsynced operations", "count", left)
		}
		return err
	})
}

type noteFlags struct {
	title   string
	content string
	file    string
}

func (f *noteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "note title")
	cmd.Flags().StringVar(&f.content, "content", "", "note content")
	cmd.Flags().StringVar(&f.file, "content-file", "", "read note content from a file")
}

// payload includes only the fields the user set, so an edit leaves the other
// fields of the note alone.
func (f *noteFlags) payload(cmd *cobra.Command) (map[string]string, error) {
	out := map[string]string{}
	if cmd.Flags().Changed("title") {
		out["title"] = f.title
	}
	if cmd.Flags().Changed("content") {
		out["content"] = f.content
	}
	if f.file != "" {
		if _, ok := out["content"]; ok {
			return nil, fmt.Errorf("--content and --content-file are mutually exclusive")
		}
		data, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("read content file: %w", err)
		}
		out["content"] = string(data)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("nothing to change: set --title, --content or --content-file")
	}
	return out, nil
}

type enqueued struct {
	OperationID string `json:"operationId"`
	EntityID    string `json:"entityId"`
}

func (a *app) enqueue(cmd *cobra.Command, opType notes.OpType, entityID string, payload any) error {
	ctx := cmd.Context()
	return a.withOrchestrator(ctx, syncclient.NewManualStatus(false), func(orch *syncclient.Orchestrator) error {
		rec, err := orch.Enqueue(ctx, opType, entityID, payload)
		if err != nil {
			return err
		}
		return a.printJSON(enqueued{OperationID: rec.ID, EntityID: rec.EntityKey()})
	})
}

func (a *app) newAddCmd() *cobra.Command {
	var f noteFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a new note",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := f.payload(cmd)
			if err != nil {
				return err
			}
			return a.enqueue(cmd, notes.OpCreate, "", payload)
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) newEditCmd() *cobra.Command {
	var f noteFlags
	cmd := &cobra.Command{
		Use:   "edit <note-id>",
		Short: "Queue an update to a note (server id or local:<op-id>)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := f.payload(cmd)
			if err != nil {
				return err
			}
			return a.enqueue(cmd, notes.OpUpdate, args[0], payload)
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <note-id>",
		Aliases: []string{"delete"},
		Short:   "Queue the deletion of a note",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.enqueue(cmd, notes.OpDelete, args[0], nil)
		},
	}
}

func (a *app) newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Submit one batch now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireToken(); err != nil {
				return err
			}
			ctx := cmd.Context()
			return a.withOrchestrator(ctx, syncclient.NewManualStatus(true), func(orch *syncclient.Orchestrator) error {
				report, err := orch.Flush(ctx)
				if err != nil {
					return err
				}
				return a.printJSON(report)
			})
		},
	}
}

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [note-id]",
		Short: "Show queue counts, or the sync status of one note",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withOrchestrator(ctx, syncclient.NewManualStatus(false), func(orch *syncclient.Orchestrator) error {
				if len(args) == 0 {
					overview, err := orch.Overview(ctx)
					if err != nil {
						return err
					}
					return a.printJSON(overview)
				}
				status, err := orch.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printJSON(status)
			})
		},
	}
}

func (a *app) newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [op-id...]",
		Short: "Make failed operations eligible again (all when no ids are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withOrchestrator(ctx, syncclient.NewManualStatus(false), func(orch *syncclient.Orchestrator) error {
				n, err := orch.Retry(ctx, args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%d operation(s) requeued\n", n)
				return nil
			})
		},
	}
}

func (a *app) newDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <op-id...>",
		Short: "Drop queued operations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withOrchestrator(ctx, syncclient.NewManualStatus(false), func(orch *syncclient.Orchestrator) error {
				n, err := orch.Discard(ctx, args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%d operation(s) discarded\n", n)
				return nil
			})
		},
	}
}

func (a *app) newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the number of unsynced operations; exit 1 when there are any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withOrchestrator(ctx, syncclient.NewManualStatus(false), func(orch *syncclient.Orchestrator) error {
				n, err := orch.HasUnsyncedWork(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, n)
				if n > 0 {
					return &exitError{code: 1}
				}
				return nil
			})
		},
	}
}

// newTokenCmd mints a development token for a server that shares the secret.
func (a *app) newTokenCmd() *cobra.Command {
	var (
		secret string
		userID string
		scopes []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("NOTESYNC_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("secret is required (--secret or NOTESYNC_JWT_SECRET)")
			}
			token, err := httpapi.IssueToken(secret, userID, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret shared with the server")
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the sub claim")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{"notes:read", "notes:write"}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
