// Command batchloaderctl administers batches, processed-file markers and
// watch configurations directly against the coordination store.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/batchloader/internal/batchload"
	"github.com/agentworkforce/batchloader/internal/coordination"
	"github.com/agentworkforce/batchloader/internal/objectstore"
	"github.com/agentworkforce/batchloader/internal/secrets"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// session holds what every subcommand opens from the persistent flags.
type session struct {
	dsn        string
	objectRoot string
	backend    coordination.Backend
	engine     *batchload.Engine
}

func newRootCmd() *cobra.Command {
	s := &session{}
	addFlags := func(cmd *cobra.Command) {
		cmd.PersistentFlags().StringVar(&s.dsn, "dsn", os.Getenv("BATCHLOADER_COORDINATION_DSN"), "coordination store DSN")
		cmd.PersistentFlags().StringVar(&s.objectRoot, "object-root", os.Getenv("BATCHLOADER_OBJECT_ROOT"), "object store root, needed to re-trigger files")
		cmd.PersistentFlags().Bool("log-with-shortfile", false, "log with short file name")
		cmd.PersistentFlags().Bool("log-with-timestamp", false, "log with timestamp")
	}
	var cmdRoot = &cobra.Command{
		Use:   "batchloaderctl",
		Short: "Administer the batch loader",
		Long:  `Inspect and repair batches, processed-file markers and watch configurations`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logWithShortFileName, _ := cmd.Flags().GetBool("log-with-shortfile")
			logWithTimestamp, _ := cmd.Flags().GetBool("log-with-timestamp")
			logFlags := 0
			if logWithShortFileName {
				logFlags |= log.Lshortfile
			}
			if logWithTimestamp {
				logFlags |= log.Ltime
			}
			log.SetFlags(logFlags)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if s.backend != nil {
				return s.backend.Close()
			}
			return nil
		},
	}
	addFlags(cmdRoot)
	cmdRoot.AddCommand(cmdBatch(s))
	cmdRoot.AddCommand(cmdConfig(s))
	cmdRoot.AddCommand(cmdFile(s))
	cmdRoot.AddCommand(cmdSweep(s))
	cmdRoot.AddCommand(cmdSecret())
	return cmdRoot
}

func (s *session) open() (*batchload.Engine, error) {
	if s.engine != nil {
		return s.engine, nil
	}
	if strings.TrimSpace(s.dsn) == "" {
		return nil, fmt.Errorf("--dsn or BATCHLOADER_COORDINATION_DSN is required")
	}
	backend, err := coordination.BuildBackendFromDSN(s.dsn)
	if err != nil {
		return nil, err
	}
	opts := batchload.EngineOptions{Backend: backend, Logf: log.Printf}
	if s.objectRoot != "" {
		opts.Objects = objectstore.NewFSStore(s.objectRoot)
	}
	engine, err := batchload.NewEngine(opts)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	s.backend, s.engine = backend, engine
	return engine, nil
}

func (s *session) requireObjects() error {
	if s.objectRoot == "" {
		return fmt.Errorf("--object-root or BATCHLOADER_OBJECT_ROOT is required to re-trigger files")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func cmdBatch(s *session) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "batch",
		Short: "inspect and repair batches",
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "describe <prefix> <batch-id>",
		Short:        "show one batch",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := s.open()
			if err != nil {
				return err
			}
			batch, err := engine.DescribeBatch(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), batch)
		},
	})

	var prefix, status, since, until string
	query := &cobra.Command{
		Use:          "query",
		Short:        "list batches, most recently updated first",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := batchload.BatchQuery{Prefix: prefix}
			if status != "" {
				parsed, err := batchload.ParseBatchStatus(status)
				if err != nil {
					return err
				}
				q.Status = &parsed
			}
			var err error
			if q.UpdatedAfter, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if q.UpdatedBefore, err = parseTimeFlag("until", until); err != nil {
				return err
			}
			engine, err := s.open()
			if err != nil {
				return err
			}
			batches, err := engine.QueryBatches(cmd.Context(), q)
			if err != nil {
				return err
			}
			if batches == nil {
				batches = []batchload.Batch{}
			}
			return printJSON(cmd.OutOrStdout(), batches)
		},
	}
	query.Flags().StringVar(&prefix, "prefix", "", "only batches of this prefix")
	query.Flags().StringVar(&status, "status", "", "only batches in this status")
	query.Flags().StringVar(&since, "since", "", "only batches updated at or after this RFC 3339 time")
	query.Flags().StringVar(&until, "until", "", "only batches updated at or before this RFC 3339 time")
	cmd.AddCommand(query)

	cmd.AddCommand(&cobra.Command{
		Use:          "delete <prefix> <batch-id>",
		Short:        "delete a batch that is not open",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := s.open()
			if err != nil {
				return err
			}
			if err := engine.DeleteBatch(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted batch %s of %s\n", args[1], args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "unlock <prefix> <batch-id>",
		Short:        "return a locked or failed batch to open",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := s.open()
			if err != nil {
				return err
			}
			batch, err := engine.UnlockBatch(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), batch)
		},
	})

	var omit []string
	reprocess := &cobra.Command{
		Use:          "reprocess <prefix> <batch-id>",
		Short:        "re-trigger every file of a locked or failed batch",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.requireObjects(); err != nil {
				return err
			}
			engine, err := s.open()
			if err != nil {
				return err
			}
			result, err := engine.ReprocessBatch(cmd.Context(), args[0], args[1], omit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"batchId":     result.Batch.BatchID,
				"status":      result.Batch.Status,
				"retriggered": result.Retriggered,
				"omitted":     result.Omitted,
				"detached":    result.Detached,
			})
		},
	}
	reprocess.Flags().StringSliceVar(&omit, "omit", nil, "files to leave out (bucket/key)")
	cmd.AddCommand(reprocess)
	return cmd
}

func cmdConfig(s *session) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "config",
		Short: "manage watch configurations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "get <prefix>",
		Short:        "show a configuration",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := s.open()
			if err != nil {
				return err
			}
			cfg, err := engine.Records().GetWatchConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "put <config.json>",
		Short:        "validate and store a configuration document (- reads stdin)",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			engine, err := s.open()
			if err != nil {
				return err
			}
			cfg, err := engine.PutWatchConfigDocument(cmd.Context(), raw)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "set <prefix> <attribute> [json-value]",
		Short:        "update one attribute; without a value the attribute is removed",
		SilenceUsage: true,
		Args:         cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) == 3 {
				value = args[2]
			}
			engine, err := s.open()
			if err != nil {
				return err
			}
			cfg, err := engine.UpdateConfigAttribute(cmd.Context(), args[0], args[1], value)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	})

	var force bool
	reset := &cobra.Command{
		Use:          "reset-batch <prefix>",
		Short:        "point a configuration at a new batch",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := s.open()
			if err != nil {
				return err
			}
			cfg, err := engine.ResetCurrentBatch(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "current batch of %s is now %s\n", cfg.Prefix, cfg.CurrentBatchID)
			return nil
		},
	}
	reset.Flags().BoolVar(&force, "force", false, "reset even when the current batch is open")
	cmd.AddCommand(reset)
	return cmd
}

func cmdFile(s *session) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "file",
		Short: "manage processed-file markers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:          "describe <bucket/key>",
		Short:        "show a processed-file marker",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := s.open()
			if err != nil {
				return err
			}
			pf, err := engine.DescribeProcessedFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pf)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:          "delete <bucket/key>",
		Short:        "forget a processed file so it can be loaded again",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := s.open()
			if err != nil {
				return err
			}
			if err := engine.DeleteProcessedFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted processed file %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:          "reprocess <bucket/key>",
		Short:        "detach a file from its batch and re-trigger it",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.requireObjects(); err != nil {
				return err
			}
			engine, err := s.open()
			if err != nil {
				return err
			}
			if err := engine.ReprocessFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-triggered %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func cmdSweep(s *session) *cobra.Command {
	return &cobra.Command{
		Use:          "sweep",
		Short:        "flush every open batch past its age threshold",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := s.open()
			if err != nil {
				return err
			}
			flushed, err := engine.SweepPending(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "flushed %d batches\n", flushed)
			return err
		},
	}
}

func cmdSecret() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "secret",
		Short: "encrypt configuration secrets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:          "generate-key",
		Short:        "print a new secret key",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	})
	var key string
	encrypt := &cobra.Command{
		Use:          "encrypt <plaintext>",
		Short:        "encrypt a password or key for a configuration document",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			box, err := secrets.NewBox(key)
			if err != nil {
				return err
			}
			sealed, err := box.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	encrypt.Flags().StringVar(&key, "key", os.Getenv("BATCHLOADER_SECRET_KEY"), "secret key")
	cmd.AddCommand(encrypt)
	return cmd
}

func parseTimeFlag(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}
