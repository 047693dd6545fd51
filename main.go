// XDR CLI - Command-line interface for the XDR simulation runtime
//
// This tool drives the payment-aware reverse proxy:
// - Running the proxy (run)
// - Inspecting agent wallets (status)
// - Overriding balances (budget)
// - Steering failure injection (chaos enable/disable/status)
// - Reading request traces, live or buffered (logs)
//
// Usage:
//   xdr run --port 4002 --network cronos-testnet --seed 42
//   xdr status --agent agent-alpha
//   xdr budget --agent agent-alpha --set 50.0
//   xdr chaos enable --failure-rate 0.2 --max-latency 500
//   xdr logs --agent agent-alpha --follow
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kelpejol/xdr/internal/chaos"
	"github.com/kelpejol/xdr/internal/config"
	"github.com/kelpejol/xdr/internal/events"
	"github.com/kelpejol/xdr/internal/ledger"
	"github.com/kelpejol/xdr/internal/metrics"
	"github.com/kelpejol/xdr/internal/proxy"
	"github.com/kelpejol/xdr/internal/trace"
)

var (
	// Version is set during build
	Version   = "dev"
	BuildTime = "unknown"

	// Global flags
	host    string
	port    int
	verbose bool
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:   "xdr",
		Short: "XDR - payment-aware reverse proxy for agent simulations",
		Long: `XDR fronts real upstream APIs with an L402-style payment gate, virtual
agent wallets, and deterministic chaos injection. Point agent traffic at the
proxy and use this CLI to watch and steer the simulation.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&host, "host", getEnv("XDR_HOST", config.DefaultHost), "Proxy host")
	rootCmd.PersistentFlags().IntVar(&port, "port", getEnvInt("XDR_PORT", config.DefaultPort), "Proxy port")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(chaosCmd())
	rootCmd.AddCommand(logsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd creates the run command, the proxy itself.
func runCmd() *cobra.Command {
	var (
		network string
		seed    uint64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the XDR proxy",
		Long:  "Start the reverse proxy with the control plane, trace recorder, and chaos engine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			cfg.Host = host
			cfg.Port = port
			if cmd.Flags().Changed("network") {
				cfg.Network = network
			}

			logger := log.Logger
			ldgr := ledger.NewLedger(logger)
			engine := chaos.NewEngine(logger)
			// Install the seed now so enabling chaos later replays from it.
			engine.SetConfig(chaos.Config{Seed: seed})

			ring := trace.NewRing(trace.DefaultCapacity)
			bus := events.NewBus(logger)
			defer bus.Close()

			sampler := metrics.NewSampler(ldgr, ring, logger)
			sampler.Start(10 * time.Second)
			defer sampler.Stop()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := proxy.NewServer(cfg, ldgr, engine, ring, bus, logger)
			return srv.Run(ctx, cfg.Addr())
		},
	}

	cmd.Flags().StringVar(&network, "network", getEnv("XDR_NETWORK", config.DefaultNetwork), "Settlement network (cronos-testnet or cronos-mainnet)")
	cmd.Flags().Uint64Var(&seed, "seed", 42, "Chaos PRNG seed")
	return cmd
}

// statusCmd creates the status command.
func statusCmd() *cobra.Command {
	var agent string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show an agent's wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiGet("/_xdr/status/" + agent)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			printRawJSON(body)
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (required)")
	cmd.MarkFlagRequired("agent")
	return cmd
}

// budgetCmd creates the budget command.
func budgetCmd() *cobra.Command {
	var (
		agent  string
		amount float64
	)

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Set an agent's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(map[string]interface{}{"amount": amount})
			if err != nil {
				return err
			}

			body, err := apiPost("/_xdr/budget/"+agent, payload)
			if err != nil {
				return fmt.Errorf("failed to set budget: %w", err)
			}
			printRawJSON(body)
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (required)")
	cmd.Flags().Float64Var(&amount, "set", 0, "New balance in USDC (required)")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("set")
	return cmd
}

// chaosCmd creates the chaos command group.
func chaosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "Steer failure injection",
		Long:  "Enable, disable, or inspect the chaos policy applied to proxied requests.",
	}

	var (
		seed        uint64
		failureRate float64
		paymentRate float64
		rugRate     float64
		minLatency  uint64
		maxLatency  uint64
	)

	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Enable chaos with the given policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := chaos.Config{
				Enabled:            true,
				Seed:               seed,
				GlobalFailureRate:  failureRate,
				PaymentFailureRate: paymentRate,
				RugRate:            rugRate,
				MinLatencyMs:       minLatency,
				MaxLatencyMs:       maxLatency,
			}

			payload, err := json.Marshal(cfg)
			if err != nil {
				return err
			}

			body, err := apiPost("/_xdr/chaos", payload)
			if err != nil {
				return fmt.Errorf("failed to enable chaos: %w", err)
			}
			printRawJSON(body)
			return nil
		},
	}
	enableCmd.Flags().Uint64Var(&seed, "seed", 42, "PRNG seed")
	enableCmd.Flags().Float64Var(&failureRate, "failure-rate", 0, "Probability of injected network failure [0,1]")
	enableCmd.Flags().Float64Var(&paymentRate, "payment-failure", 0, "Probability of injected payment failure [0,1]")
	enableCmd.Flags().Float64Var(&rugRate, "rug-rate", 0, "Probability of a rug pull after settlement [0,1]")
	enableCmd.Flags().Uint64Var(&minLatency, "min-latency", 0, "Minimum injected latency in ms")
	enableCmd.Flags().Uint64Var(&maxLatency, "max-latency", 0, "Maximum injected latency in ms (0 disables latency)")

	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable all chaos injection",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(chaos.Config{})
			if err != nil {
				return err
			}

			body, err := apiPost("/_xdr/chaos", payload)
			if err != nil {
				return fmt.Errorf("failed to disable chaos: %w", err)
			}
			printRawJSON(body)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active chaos policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiGet("/_xdr/chaos")
			if err != nil {
				return fmt.Errorf("failed to get chaos config: %w", err)
			}
			printRawJSON(body)
			return nil
		},
	}

	cmd.AddCommand(enableCmd, disableCmd, showCmd)
	return cmd
}

// logsCmd creates the logs command.
func logsCmd() *cobra.Command {
	var (
		agent   string
		rawJSON bool
		follow  bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show request traces",
		Long:  "Print the buffered request traces, or stream new ones live with --follow.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow {
				return followTraces(agent, rawJSON)
			}

			body, err := apiGet("/_xdr/traces")
			if err != nil {
				return fmt.Errorf("failed to get traces: %w", err)
			}

			var traces []trace.Trace
			if err := json.Unmarshal(body, &traces); err != nil {
				return fmt.Errorf("failed to decode traces: %w", err)
			}

			for _, tr := range traces {
				if agent != "" && tr.AgentID != agent {
					continue
				}
				printTrace(tr, rawJSON)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Only show traces for this agent")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "Print traces as JSON")
	cmd.Flags().BoolVar(&follow, "follow", false, "Stream traces as requests complete")
	return cmd
}

// followTraces streams committed traces from the live event feed until the
// connection drops or the process is interrupted.
func followTraces(agent string, rawJSON bool) error {
	wsURL := fmt.Sprintf("ws://%s:%d/_xdr/events", host, port)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to event feed: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		resp.Body.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var tr trace.Trace
		if err := conn.ReadJSON(&tr); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event feed closed: %w", err)
		}
		if agent != "" && tr.AgentID != agent {
			continue
		}
		printTrace(tr, rawJSON)
	}
}

// printTrace renders one trace, either as JSON or as a human-readable block.
func printTrace(tr trace.Trace, rawJSON bool) {
	if rawJSON {
		printJSON(tr)
		return
	}

	status := "-"
	if tr.StatusCode != nil {
		status = fmt.Sprintf("%d", *tr.StatusCode)
	}
	duration := "-"
	if tr.DurationMs != nil {
		duration = fmt.Sprintf("%dms", *tr.DurationMs)
	}

	fmt.Printf("%s  %s %s %s agent=%s duration=%s\n",
		tr.StartTime.Format(time.RFC3339), status, tr.Method, tr.URL, tr.AgentID, duration)
	for _, ev := range tr.Events {
		fmt.Printf("    %-8s | %s\n", ev.Category, ev.Message)
	}
}

// HTTP helpers for the control plane.

func apiGet(path string) ([]byte, error) {
	return apiDo(http.MethodGet, path, nil)
}

func apiPost(path string, payload []byte) ([]byte, error) {
	return apiDo(http.MethodPost, path, payload)
}

func apiDo(method, path string, payload []byte) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%d%s", host, port, path)

	var reqBody io.Reader
	if payload != nil {
		reqBody = strings.NewReader(string(payload))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// Helpers

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

func printRawJSON(body []byte) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Println(strings.TrimSpace(string(body)))
		return
	}
	printJSON(v)
}
