// Command acp-agent runs a minimal ACP agent peer over stdio or HTTP,
// exposing a demo prompt handler that echoes the prompt's text content back
// to the client. It exists to exercise Agent end-to-end and as a reference
// for wiring a real agent implementation against the acp package.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/acp-runtime/acp"
	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "acp-agent",
	Short:   "Run an Agent Client Protocol agent peer",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; ACP_ env vars also apply)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent and serve its configured transport",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := acp.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := buildAgentTransport(cfg)
	if err != nil {
		return err
	}

	info := acp.AgentInfo{Name: "acp-agent", Version: version}
	capabilities := acp.Capabilities{
		LoadSession:      true,
		StreamingPrompts: true,
		Cancellation:     true,
		SessionModes:     true,
		ConfigOptions:    true,
	}
	agent := acp.NewAgent(transport, info, capabilities)
	agent.OnPrompt(echoPromptHandler)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr)
	}

	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	<-ctx.Done()
	return agent.Close()
}

func buildAgentTransport(cfg *acp.Config) (acp.Transport, error) {
	switch cfg.Transport.Kind {
	case "stdio":
		t := acp.NewStdioTransport(os.Stdin, os.Stdout)
		return t, nil
	case "http":
		host, portStr, err := net.SplitHostPort(cfg.Transport.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("parse transport.listen_addr %q: %w", cfg.Transport.ListenAddr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("parse transport.listen_addr port %q: %w", portStr, err)
		}
		t := acp.NewHTTPServerTransport(acp.HTTPServerConfig{Host: host, Port: port})
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", cfg.Transport.Kind)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", acp.MetricsHandler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "acp-agent: metrics server: %v\n", err)
	}
}

// echoPromptHandler is the demo PromptHandler: it concatenates the prompt's
// text content blocks, streams them back as a single message chunk, and
// ends the turn normally.
func echoPromptHandler(ctx context.Context, session *acp.AgentSession, content []acp.ContentBlockWrapper) (acp.StopReason, error) {
	var text string
	for _, block := range content {
		if t, ok := block.Value.(*acp.TextContent); ok {
			text += t.Text
		}
	}

	if session.IsCancelled() {
		return acp.StopReasonCancelled, nil
	}

	reply := "echo: " + text
	session.SendMessageChunk(0, reply, true)
	return acp.StopReasonEndTurn, nil
}
