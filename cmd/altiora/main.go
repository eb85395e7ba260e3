package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harunnryd/altiora/pkg/altiora"
	"github.com/harunnryd/altiora/pkg/logging"
	"github.com/harunnryd/altiora/pkg/redact"
	"github.com/harunnryd/altiora/pkg/runner"
	"github.com/harunnryd/altiora/pkg/transports/twilio"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, envFile string
	root := &cobra.Command{
		Use:          "altiora",
		Short:        "Voice agent for Twilio Media Streams",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return altiora.LoadEnvFile(envFile)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json); ALTIORA_* env vars override it")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file exported before the config is read")

	root.AddCommand(newServeCmd(&configPath), newCallCmd(&configPath), newVersionCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the voice webhook and media stream until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := altiora.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			engine, err := altiora.NewEngine(altiora.EngineOptions{Config: cfg})
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return engine.Run(ctx)
		},
	}
}

func newCallCmd(configPath *string) *cobra.Command {
	var to, sendDigits string
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place an outbound call that connects back to this server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := altiora.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			log := logging.InitLogger(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
			redact.SetEnabled(cfg.Privacy.RedactPII)
			return placeCall(cmd.Context(), twilio.NewDialer(cfg.TwilioConfig()), to, sendDigits, cmd.OutOrStdout(), log)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination number in E.164 form")
	cmd.Flags().StringVar(&sendDigits, "send-digits", "", "DTMF digits to play once the call connects")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

type callDialer interface {
	DialWithOptions(ctx context.Context, to string, opts twilio.DialOptions) (string, error)
}

func placeCall(ctx context.Context, d callDialer, to, sendDigits string, out io.Writer, log *slog.Logger) error {
	sid, err := d.DialWithOptions(ctx, to, twilio.DialOptions{SendDigits: sendDigits})
	if err != nil {
		log.Error("outbound_dial_failed", "to", redact.Number(to), "error", err)
		return err
	}
	log.Info("outbound_dial_started", "call_sid", sid, "to", redact.Number(to))
	_, err = fmt.Fprintln(out, sid)
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "altiora", runner.Version)
		},
	}
}
