package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/connector"
	"github.com/jkaninda/askari/internal/policy"
	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the request command.
const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitDaemonDown = 3
)

var (
	requestChannel    string
	requestProtocol   int
	requestDaemonURL  string
	requestAPIKey     string
	requestConfigPath string
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Announce an elevation request channel to the daemon",
	Long: `Announce a request channel on behalf of the su helper. The channel
name arrives out-of-band through this command; the daemon opens the socket,
reads the requester's credentials from it, and writes the verdict back.

If the daemon is unreachable the channel is serviced in-process with an
unconditional deny, so the requester never hangs and never gains access
by default.

Exit codes:
  0  channel announced (or serviced fail-closed)
  1  failure
  3  daemon unreachable and in-process fallback failed`,
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().StringVar(&requestChannel, "channel", "", "request channel name (required)")
	requestCmd.Flags().IntVar(&requestProtocol, "protocol", 1, "wire protocol version (1 or 2)")
	requestCmd.Flags().StringVar(&requestDaemonURL, "daemon-url", "http://127.0.0.1:8145", "daemon admin API URL")
	requestCmd.Flags().StringVar(&requestAPIKey, "api-key", "", "admin API key (or ASKARI_API_KEY env)")
	requestCmd.Flags().StringVar(&requestConfigPath, "config", config.DefaultConfigPath(), "path to config file (fallback mode)")

	_ = requestCmd.MarkFlagRequired("channel")
}

func runRequest(_ *cobra.Command, _ []string) error {
	if requestProtocol != 1 && requestProtocol != 2 {
		return fmt.Errorf("protocol must be 1 or 2, got %d", requestProtocol)
	}

	daemonURL := goutils.Env("ASKARI_DAEMON_URL", requestDaemonURL)
	apiKey := goutils.Env("ASKARI_API_KEY", requestAPIKey)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := announce(ctx, daemonURL, apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "daemon unreachable, servicing channel fail-closed: %v\n", err)
		if err := denyInProcess(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitDaemonDown)
		}
	}
	return nil
}

// announce hands the channel to the daemon over the admin API.
func announce(ctx context.Context, daemonURL, apiKey string) error {
	reqBody, _ := json.Marshal(map[string]any{
		"channel":  requestChannel,
		"protocol": requestProtocol,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", daemonURL+"/v1/sessions", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(respBody))
	}

	var ack struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(respBody, &ack)
	fmt.Fprintf(os.Stderr, "session %s accepted\n", ack.SessionID)
	return nil
}

// denyInProcess services the channel locally with an unconditional deny.
// Without a daemon there is no policy store and no prompt surface, so the
// only safe verdict is deny.
func denyInProcess() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("ASKARI_CONFIG", requestConfigPath))
	if err != nil {
		return err
	}

	conn, err := connector.Open(requestChannel, connector.Version(requestProtocol), cfg.Daemon.SocketDir)
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := conn.Accept(ctx); err != nil {
		// Peer never connected or sent garbage. Channel teardown reads
		// as a deny on the requester side either way.
		return nil
	}
	if err := conn.Reply(policy.DecisionDeny); err != nil {
		logger.Warn("writing deny verdict", slog.String("error", err.Error()))
		return err
	}
	return nil
}
