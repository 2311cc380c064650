// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Command robin inspects and repairs the jobs of a robin namespace.
//
// Settings are read from ROBIN_* environment variables first; flags given on
// the command line take precedence.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/admwrd/robin"
	"github.com/admwrd/robin/ui"
)

type globalFlags struct {
	namespace    string
	storeAddress string
	logLevel     robin.LogLevel
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var gf globalFlags

	rootCmd := &cobra.Command{
		Use:          "robin",
		Short:        "robin job queue CLI",
		Long:         "robin inspects and repairs the jobs stored in one namespace of a redis server.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&gf.namespace, "namespace", "n", "", "Namespace to operate on (default $ROBIN_NAMESPACE)")
	rootCmd.PersistentFlags().StringVar(&gf.storeAddress, "store-address", "", "Redis URL or host:port (default $ROBIN_STORE_ADDRESS)")
	rootCmd.PersistentFlags().Var(&gf.logLevel, "log-level", "Log level: debug|info|warn|error")

	rootCmd.AddCommand(
		newEnqueueCmd(&gf),
		newStatsCmd(&gf),
		newListCmd(&gf),
		newRequeueDeadCmd(&gf),
		newReconcileCmd(&gf),
		newClearCmd(&gf),
		newMonitorCmd(&gf),
	)
	return rootCmd
}

// config merges the environment with the flags set on the command line.
func (gf *globalFlags) config() (robin.Config, error) {
	cfg, err := robin.ConfigFromEnv()
	if err != nil {
		return robin.Config{}, err
	}
	if gf.namespace != "" {
		cfg.Namespace = gf.namespace
	}
	if gf.storeAddress != "" {
		cfg.StoreAddress = gf.storeAddress
	}
	if gf.logLevel != 0 {
		cfg.LogLevel = gf.logLevel
	}
	return cfg, cfg.Validate()
}

func (gf *globalFlags) inspector() (*robin.Inspector, error) {
	cfg, err := gf.config()
	if err != nil {
		return nil, err
	}
	return robin.NewInspector(cfg)
}

func newEnqueueCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue TYPE [PAYLOAD]",
		Short: "Enqueue a job",
		Long:  "Enqueue a job of the given type. PAYLOAD is stored as given; pass \"-\" to read it from stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.config()
			if err != nil {
				return err
			}
			var payload []byte
			if len(args) == 2 {
				if args[1] == "-" {
					var raw json.RawMessage
					if err := json.NewDecoder(cmd.InOrStdin()).Decode(&raw); err != nil {
						return fmt.Errorf("read payload: %w", err)
					}
					payload = raw
				} else {
					payload = []byte(args[1])
				}
			}

			conn, err := robin.Establish(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			info, err := conn.Enqueue(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job: id=%s type=%s namespace=%s\n", info.ID, info.Type, info.Namespace)
			return nil
		},
	}
}

func newStatsCmd(gf *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the counters of a namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inspector, err := gf.inspector()
			if err != nil {
				return err
			}
			defer inspector.Close()

			stats, err := inspector.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "NAMESPACE\tPENDING\tACTIVE\tSTALLED\tRETRY\tDEAD\tPROCESSED\tFAILED\n")
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				stats.Namespace, stats.Pending, stats.Active, stats.Stalled,
				stats.Retry, stats.Dead, stats.Processed, stats.Failed)
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newListCmd(gf *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:       "list pending|retry|stalled|dead",
		Short:     "List the jobs in a state",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"pending", "retry", "stalled", "dead"},
		RunE: func(cmd *cobra.Command, args []string) error {
			inspector, err := gf.inspector()
			if err != nil {
				return err
			}
			defer inspector.Close()

			var list func(context.Context, int) ([]*robin.JobInfo, error)
			switch args[0] {
			case "pending":
				list = inspector.ListPending
			case "retry":
				list = inspector.ListRetry
			case "stalled":
				list = inspector.ListStalled
			case "dead":
				list = inspector.ListDead
			default:
				return fmt.Errorf("unknown state %q; use pending|retry|stalled|dead", args[0])
			}
			infos, err := list(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printJobs(cmd, infos)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of jobs to list")
	return cmd
}

func printJobs(cmd *cobra.Command, infos []*robin.JobInfo) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tTYPE\tATTEMPT\tAT\tLAST ERROR\n")
	for _, info := range infos {
		at := "-"
		if !info.NextProcessAt.IsZero() {
			at = info.NextProcessAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", info.ID, info.Type, info.Attempt, at, info.LastErr)
	}
	w.Flush()
}

func newRequeueDeadCmd(gf *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "requeue-dead [ID]",
		Short: "Move dead jobs back to pending",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give either a job ID or --all")
			}
			inspector, err := gf.inspector()
			if err != nil {
				return err
			}
			defer inspector.Close()

			if all {
				n, err := inspector.RequeueAllDead(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d dead jobs\n", n)
				return nil
			}
			if err := inspector.RequeueDead(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued job %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Requeue every dead job")
	return cmd
}

func newReconcileCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Make jobs whose lease expired available again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inspector, err := gf.inspector()
			if err != nil {
				return err
			}
			defer inspector.Close()

			n, err := inspector.RequeueStalled(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d stalled jobs\n", n)
			return nil
		},
	}
}

func newClearCmd(gf *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every job of a namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete without --yes")
			}
			inspector, err := gf.inspector()
			if err != nil {
				return err
			}
			defer inspector.Close()

			n, err := inspector.DeleteAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d keys from namespace %s\n", n, inspector.Namespace())
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the deletion")
	return cmd
}

func newMonitorCmd(gf *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve the web monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inspector, err := gf.inspector()
			if err != nil {
				return err
			}
			defer inspector.Close()

			h, err := ui.NewHandler(inspector)
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           h.Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				fmt.Fprintf(cmd.OutOrStdout(), "robin monitor for namespace %s listening on %s\n", inspector.Namespace(), addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}
