// Command appbuilderd is the AI app builder backend.
// It renders session context into a prompt, asks Gemini for the next action
// and relays the validated JSON action to the frontend over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	appbuilder "github.com/Paranoid-AF/appbuilder"
	"github.com/Paranoid-AF/appbuilder/backend"
	"github.com/Paranoid-AF/appbuilder/negotiate"
	"github.com/Paranoid-AF/appbuilder/prompt"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type options struct {
	verbose    bool
	configPath string
	host       string
	port       int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "appbuilderd",
		Short:         "AI app builder backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd.ErrOrStderr(), opts.verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVar(&opts.verbose, "verbose", false, "log prompts and model replies")
	flags.StringVar(&opts.configPath, "config", "", "path to config.toml (default: "+appbuilder.ConfigPath()+")")
	root.Flags().StringVar(&opts.host, "host", "", "listen host (overrides config and APPBUILDER_HOST)")
	root.Flags().IntVar(&opts.port, "port", 0, "listen port (overrides config and PORT)")

	root.AddCommand(newVersionCmd(), newRenderCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "appbuilderd", Version)
		},
	}
}

// newRenderCmd prints the prompt a chat request would produce, without calling the model.
func newRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Render the prompt for a chat request read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func loadConfig(opts *options) *appbuilder.Config {
	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}

	var cfg *appbuilder.Config
	var err error
	if opts.configPath != "" {
		cfg, err = appbuilder.LoadConfigFile(opts.configPath)
	} else {
		cfg, err = appbuilder.LoadConfig()
	}
	if err != nil {
		slog.Warn("failed to load config, using defaults", "error", err)
		cfg = appbuilder.DefaultConfig()
	}
	for _, w := range appbuilder.ValidateConfig(cfg) {
		slog.Warn(w)
	}
	return cfg
}

// newNegotiator builds the negotiator, or returns nil when the model cannot be initialized.
func newNegotiator(ctx context.Context, cfg *appbuilder.Config) *negotiate.Negotiator {
	model, err := negotiate.NewGeminiModel(ctx,
		appbuilder.ResolveModelAPIKey(cfg),
		appbuilder.ResolveModelName(cfg),
		cfg.Model.Temperature,
	)
	if err != nil {
		slog.Warn("Gemini model not initialized", "error", err)
		return nil
	}
	slog.Info("Gemini model initialized", "model", model.Name())
	return negotiate.New(model, negotiate.Options{
		Timeout:    appbuilder.ModelTimeout(cfg),
		MaxRetries: appbuilder.ModelMaxRetries(cfg),
		Strict:     appbuilder.StrictNegotiation(cfg),
	})
}

func listenAddr(cfg *appbuilder.Config, opts *options) string {
	host := appbuilder.ResolveHost(cfg)
	if opts.host != "" {
		host = opts.host
	}
	port := appbuilder.ResolvePort(cfg)
	if opts.port > 0 {
		port = opts.port
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func runServe(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig(opts)
	backend.CheckAndLog(cfg)

	// An interface holding a nil *Negotiator is not nil, so keep the check explicit.
	var negotiator Negotiator
	if n := newNegotiator(ctx, cfg); n != nil {
		negotiator = n
	}

	addr := listenAddr(cfg, opts)
	srv := NewServer(addr, negotiator, prompt.NewFromFile(appbuilder.PromptPath()), cfg.Server.AllowedOrigins)

	// Handle graceful shutdown
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("ready", "addr", addr)
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("server error", "error", err)
		return err
	}
	<-drained
	return nil
}

func runRender(in io.Reader, out io.Writer) error {
	req, err := decodeChatRequest(in)
	if err != nil {
		var ne *negotiate.Error
		if errors.As(err, &ne) {
			data, _ := json.Marshal(ne.Fields)
			return fmt.Errorf("invalid chat request: %s", data)
		}
		return err
	}
	formatter := prompt.NewFromFile(appbuilder.PromptPath())
	_, err = fmt.Fprintln(out, formatter.Render(req.Context()))
	return err
}
