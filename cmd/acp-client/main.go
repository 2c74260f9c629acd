// Command acp-client drives an ACP agent peer from the command line: it
// spawns (stdio) or connects to (http) an agent, performs the initialize
// handshake, opens a session, and sends one prompt, printing the streamed
// reply to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/acp-runtime/acp"
	"github.com/spf13/cobra"
)

var (
	configPath string
	workDir    string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "acp-client",
	Short:   "Drive an Agent Client Protocol agent from the command line",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; ACP_ env vars also apply)")
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", ".", "working directory announced to the agent")
	rootCmd.AddCommand(promptCmd)
}

var promptCmd = &cobra.Command{
	Use:   "prompt [text]",
	Short: "Send one prompt to the agent and print its reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPrompt,
}

func runPrompt(cmd *cobra.Command, args []string) error {
	cfg, err := acp.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := buildClientTransport(ctx, cfg)
	if err != nil {
		return err
	}

	info := acp.ClientInfo{Name: "acp-client", Version: version}
	capabilities := acp.Capabilities{Attachments: true}
	client := acp.NewClientPeer(transport, info, capabilities)
	client.SetFileHandlers(readTextFile, writeTextFile)
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	agentInfo, err := client.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	fmt.Fprintf(os.Stderr, "acp-client: connected to %s %s\n", agentInfo.Name, agentInfo.Version)

	session, err := client.NewSession(ctx, workDir, nil)
	if err != nil {
		return fmt.Errorf("session/new: %w", err)
	}

	reason, reply, err := client.RunPrompt(ctx, session.ID, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("session/prompt: %w", err)
	}

	fmt.Println(reply)
	fmt.Fprintf(os.Stderr, "acp-client: stop reason: %s\n", reason)
	return nil
}

func buildClientTransport(ctx context.Context, cfg *acp.Config) (acp.Transport, error) {
	switch cfg.Transport.Kind {
	case "stdio":
		return acp.SpawnStdioTransport(ctx, cfg.Transport.Command, cfg.Transport.Args, os.Environ(), "", os.Stderr)
	case "http":
		return acp.NewHTTPClientTransport(acp.HTTPClientConfig{
			URL:     cfg.Transport.RemoteURL,
			Timeout: cfg.Request.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", cfg.Transport.Kind)
	}
}

// readTextFile and writeTextFile satisfy the agent's fs/* call-outs against
// the local filesystem: relative paths resolve against the process's working
// directory and absolute paths are used as given.
func readTextFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeTextFile(ctx context.Context, path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
