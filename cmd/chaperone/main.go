package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaperone-dev/chaperone"
	"github.com/chaperone-dev/chaperone/pkg/config"
	"github.com/chaperone-dev/chaperone/pkg/observability"
)

// Version information (set via ldflags)
var Version = "dev"

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "chaperone",
		Short: "Human-in-the-loop approval gateway for automated actions",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", getEnv("CHAPERONE_CONFIG", "config/chaperone.yaml"), "configuration file")

	root.AddCommand(serveCmd(), pendingCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the approval orchestrator and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	log.Printf("Starting chaperone v%s (config: %s)", Version, configFile)
	observability.SetVersion(Version)

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	if err := observability.InitTracingFromEnv(); err != nil {
		log.Printf("Tracing init failed, continuing without: %v", err)
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sys, err := chaperone.New(startupCtx, cfg)
	cancel()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = sys.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if terr := observability.ShutdownTracing(shutdownCtx); terr != nil {
		log.Printf("Tracing shutdown error: %v", terr)
	}

	log.Println("Chaperone stopped")
	return err
}

func pendingCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending approvals from a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://" + addr + "/pending-approvals")
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("unexpected response: %s", body)
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "address of the running instance")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chaperone v%s\n", Version)
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
