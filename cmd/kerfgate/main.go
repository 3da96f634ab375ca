// Command kerfgate runs the feasibility gateway server and offers an
// offline evaluation mode for checking cutting contexts without a server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kerfworks/kerfgate"
	"github.com/kerfworks/kerfgate/internal/engine"
	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/presets"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kerfgate",
		Short:         "Feasibility gateway for woodworking cutting operations",
		Long:          "kerfgate scores saw and mill cutting operations against material, tool, and machine limits, and gates toolpath export behind a feasibility workflow.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), evaluateCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := kerfgate.New(kerfgate.WithVersion(version))
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}

func evaluateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a cutting context from a JSON file without starting a server",
		Long: `Reads an evaluation request from a JSON file (or stdin with -f -),
resolves preset ids, scores the context, and prints the feasibility
report as JSON. Exits nonzero when the bucket is RED.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if file == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read request: %w", err)
			}

			var req model.EvaluateRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("parse request: %w", err)
			}

			reg, err := presets.Default()
			if err != nil {
				return err
			}
			rc := req.Context
			if err := reg.Resolve(&rc, req.MaterialID, req.ToolID, req.MachineID); err != nil {
				return err
			}
			rc.Normalize()
			if err := rc.Validate(); err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			report, err := engine.New(logger).Evaluate(engine.DefaultConfig(), rc)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if report.Bucket == model.BucketRed {
				return fmt.Errorf("bucket is RED (aggregate %.1f)", report.AggregateScore)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the evaluation request JSON (use - for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kerfgate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
