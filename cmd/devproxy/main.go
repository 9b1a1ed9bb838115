package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devproxy/devproxy/internal/config"
	"github.com/devproxy/devproxy/internal/server"
	"github.com/spf13/cobra"
)

var (
	dataPlanePort    int
	controlPlanePort int
	host             string
	upstreamURL      string
	upstreamTimeout  time.Duration
	logLevel         string
	recorderCapacity int
	maxBodyBytes     int64
	rateSweepSeconds int
	bootstrapFile    string
	origin           []string
	allowIP          []string

	exportFile string
	importFile string
	cpHost     string
	cpPort     int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "devproxy",
		Short: "devproxy - a developer-facing HTTP intercepting proxy",
		Long:  "devproxy forwards HTTP traffic to a configured upstream, recording exchanges and applying mocking, rate limiting, latency injection, and response rewriting along the way.",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy",
		Run:   runStart,
	}
	startCmd.Flags().IntVar(&dataPlanePort, "port", 8080, "Data-plane port clients send traffic to")
	startCmd.Flags().IntVar(&controlPlanePort, "control-port", 8081, "Control-plane port for rule CRUD, recordings, and metrics")
	startCmd.Flags().StringVar(&host, "host", "0.0.0.0", "Host to bind both listeners to")
	startCmd.Flags().StringVar(&upstreamURL, "upstream", "", "Upstream base URL to forward non-mocked requests to")
	startCmd.Flags().DurationVar(&upstreamTimeout, "upstream-timeout", 30*time.Second, "Upstream request timeout")
	startCmd.Flags().StringVar(&logLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	startCmd.Flags().IntVar(&recorderCapacity, "recorder-capacity", 10000, "Maximum number of exchanges kept in the recording ring")
	startCmd.Flags().Int64Var(&maxBodyBytes, "max-body-bytes", 10<<20, "Maximum request body size accepted on the data plane")
	startCmd.Flags().IntVar(&rateSweepSeconds, "rate-sweep-seconds", 60, "Interval between idle rate-limit bucket sweeps")
	startCmd.Flags().StringVar(&bootstrapFile, "config", "", "Bootstrap JSON file with the initial rule set")
	startCmd.Flags().StringSliceVar(&origin, "origin", nil, "Allowed CORS origins on the control plane (default: *)")
	startCmd.Flags().StringSliceVar(&allowIP, "allow-ip", nil, "Restrict the control plane to these client IPs/CIDRs/wildcards (default: unrestricted)")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the live rule set from a running instance",
		Run:   runExport,
	}
	exportCmd.Flags().StringVar(&cpHost, "host", "localhost", "Control-plane host")
	exportCmd.Flags().IntVar(&cpPort, "control-port", 8081, "Control-plane port")
	exportCmd.Flags().StringVar(&exportFile, "out", "devproxy-rules.json", "File to write the exported snapshot to")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a rule snapshot into a running instance",
		Run:   runImport,
	}
	importCmd.Flags().StringVar(&cpHost, "host", "localhost", "Control-plane host")
	importCmd.Flags().IntVar(&cpPort, "control-port", 8081, "Control-plane port")
	importCmd.Flags().StringVar(&importFile, "in", "devproxy-rules.json", "Snapshot file to import")

	rootCmd.AddCommand(startCmd, exportCmd, importCmd)

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "start")
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) {
	cfg := server.Config{
		DataPlaneHost:     host,
		DataPlanePort:     dataPlanePort,
		ControlPlaneHost:  host,
		ControlPlanePort:  controlPlanePort,
		UpstreamURL:       upstreamURL,
		UpstreamTimeout:   upstreamTimeout,
		RecorderCapacity:  recorderCapacity,
		MaxBodyBytes:      maxBodyBytes,
		RateSweepInterval: time.Duration(rateSweepSeconds) * time.Second,
		LogLevel:          logLevel,
		AllowedOrigins:    origin,
		AllowedIPs:        allowIP,
	}

	srv := server.New(cfg)

	if bootstrapFile != "" {
		boot, err := config.LoadBootstrap(bootstrapFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading bootstrap config: %v\n", err)
			os.Exit(1)
		}
		loadBootstrapRules(srv, boot)
		fmt.Printf("Loaded %d mocks, %d modifiers, %d rate limits, %d latency rules from %s\n",
			len(boot.Mocks), len(boot.Modifiers), len(boot.RateLimits), len(boot.Latencies), bootstrapFile)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		}
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}
}

func loadBootstrapRules(srv *server.Server, boot *config.Bootstrap) {
	for _, rule := range boot.Mocks {
		if _, err := srv.Mocks.Insert(rule); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading mock rule: %v\n", err)
		}
	}
	for _, rule := range boot.Modifiers {
		if _, err := srv.Modifiers.Insert(rule); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading modifier rule: %v\n", err)
		}
	}
	for _, rule := range boot.RateLimits {
		if _, err := srv.RateLimits.Insert(rule); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading rate-limit rule: %v\n", err)
		}
	}
	for _, rule := range boot.Latencies {
		if _, err := srv.Latencies.Insert(rule); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading latency rule: %v\n", err)
		}
	}
}

func runExport(cmd *cobra.Command, args []string) {
	url := fmt.Sprintf("http://%s:%d/api/rules/export", cpHost, cpPort)
	resp, err := httpPost(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to devproxy: %v\n", err)
		os.Exit(1)
	}
	var snap config.Snapshot
	if err := json.Unmarshal(resp, &snap); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding exported snapshot: %v\n", err)
		os.Exit(1)
	}
	if err := config.SaveSnapshot(exportFile, &snap); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing export file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Exported rules to %s\n", exportFile)
}

func runImport(cmd *cobra.Command, args []string) {
	snap, err := config.LoadSnapshot(importFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading import file: %v\n", err)
		os.Exit(1)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding snapshot: %v\n", err)
		os.Exit(1)
	}
	url := fmt.Sprintf("http://%s:%d/api/rules/import", cpHost, cpPort)
	if _, err := httpPostBody(url, data); err != nil {
		fmt.Fprintf(os.Stderr, "Error importing rules: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Imported rules from %s\n", importFile)
}
