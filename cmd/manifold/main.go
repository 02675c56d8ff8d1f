package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brassworks/manifold"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

var cmd = cobra.Command{
	RunE: run,
}

var ( // flags
	addr        string
	baseURL     string
	steamAPIKey string
	configPath  string
)

func init() {
	cmd.Flags().StringVar(&addr, "addr", "localhost:5556", "Address to listen on")
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:5556", "Externally-reachable base URL of this app")
	cmd.Flags().StringVar(&steamAPIKey, "steam-api-key", "", "Steam Web API key for profile lookups")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file; changed flags override its values")
}

func run(cmd *cobra.Command, args []string) error {
	logger := logrus.New()

	cfg := &manifold.Config{}
	if configPath != "" {
		var err error
		cfg, err = manifold.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("addr") || cfg.Listen == "" {
		cfg.Listen = addr
	}
	if cmd.Flags().Changed("base-url") || cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	if cmd.Flags().Changed("steam-api-key") || cfg.Steam.APIKey == "" {
		cfg.Steam.APIKey = steamAPIKey
	}

	conn, err := cfg.Steam.Open(logger)
	if err != nil {
		return errors.Wrap(err, "Error opening Steam connector")
	}

	a, err := manifold.NewApp(logger, conn, cfg, prometheus.NewRegistry())
	if err != nil {
		return errors.Wrap(err, "Error creating app")
	}

	logger.WithField("addr", cfg.Listen).Info("Listening")
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: handlers.LoggingHandler(os.Stdout, a),
	}
	return srv.ListenAndServe()
}
