package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/policy"
	"github.com/jkaninda/askari/internal/storage"
)

var (
	policyDaemonURL  string
	policyAPIKey     string
	policyConfigPath string
	policyLocal      bool
)

// errDaemonUnreachable marks reachability failures as opposed to API errors,
// so the commands can fall back to opening the store directly.
var errDaemonUnreachable = errors.New("daemon unreachable")

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and manage cached authorization decisions",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached decisions",
	RunE:  runPolicyList,
}

var policyRevokeCmd = &cobra.Command{
	Use:   "revoke <uid>",
	Short: "Revoke the cached decision for one requester",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyRevoke,
}

var policyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget all cached decisions",
	RunE:  runPolicyClear,
}

func init() {
	policyCmd.AddCommand(policyListCmd, policyRevokeCmd, policyClearCmd)
	policyCmd.PersistentFlags().StringVar(&policyDaemonURL, "daemon-url", "http://127.0.0.1:8145", "daemon admin API URL")
	policyCmd.PersistentFlags().StringVar(&policyAPIKey, "api-key", "", "admin API key (or ASKARI_API_KEY env)")
	policyCmd.PersistentFlags().StringVar(&policyConfigPath, "config", config.DefaultConfigPath(), "config file for direct store access")
	policyCmd.PersistentFlags().BoolVar(&policyLocal, "local", false, "skip the daemon API and open the policy store directly")
}

func runPolicyList(_ *cobra.Command, _ []string) error {
	if !policyLocal {
		body, err := policyAPI(http.MethodGet, "/v1/policies", nil)
		if err == nil {
			var policies []struct {
				UID         int64  `json:"uid"`
				PackageName string `json:"package_name"`
				Decision    string `json:"decision"`
				ExpiresAt   int64  `json:"expires_at"`
			}
			if err := json.Unmarshal(body, &policies); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			w := policyTable()
			for _, p := range policies {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.UID, p.PackageName, p.Decision, formatExpiry(p.ExpiresAt))
			}
			return w.Flush()
		}
		if !errors.Is(err, errDaemonUnreachable) {
			return err
		}
		fmt.Fprintln(os.Stderr, "daemon unreachable, reading the store directly")
	}

	return withLocalStore(func(ctx context.Context, store policy.Store) error {
		policies, err := store.List(ctx)
		if err != nil {
			return err
		}
		w := policyTable()
		for _, p := range policies {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.UID, p.PackageName, p.Decision, formatExpiry(p.ExpiresAt))
		}
		return w.Flush()
	})
}

func runPolicyRevoke(_ *cobra.Command, args []string) error {
	uid, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || uid < 0 {
		return fmt.Errorf("uid must be a non-negative integer, got %q", args[0])
	}

	if !policyLocal {
		_, err := policyAPI(http.MethodDelete, "/v1/policies/"+args[0], nil)
		if err == nil {
			fmt.Printf("revoked uid %d\n", uid)
			return nil
		}
		if !errors.Is(err, errDaemonUnreachable) {
			return err
		}
		fmt.Fprintln(os.Stderr, "daemon unreachable, updating the store directly")
	}

	return withLocalStore(func(ctx context.Context, store policy.Store) error {
		if err := store.Revoke(ctx, uid); err != nil {
			return err
		}
		fmt.Printf("revoked uid %d\n", uid)
		return nil
	})
}

func runPolicyClear(_ *cobra.Command, _ []string) error {
	if !policyLocal {
		_, err := policyAPI(http.MethodDelete, "/v1/policies", nil)
		if err == nil {
			fmt.Println("all cached decisions cleared")
			return nil
		}
		if !errors.Is(err, errDaemonUnreachable) {
			return err
		}
		fmt.Fprintln(os.Stderr, "daemon unreachable, updating the store directly")
	}

	return withLocalStore(func(ctx context.Context, store policy.Store) error {
		if err := store.ClearAll(ctx); err != nil {
			return err
		}
		fmt.Println("all cached decisions cleared")
		return nil
	})
}

// withLocalStore opens the policy store from the local config and runs fn.
// Recovery path for when the daemon is down.
func withLocalStore(fn func(ctx context.Context, store policy.Store) error) error {
	cfg, err := config.Load(goutils.Env("ASKARI_CONFIG", policyConfigPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening policy store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, store.Policies())
}

func policyTable() *tabwriter.Writer {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tPACKAGE\tDECISION\tEXPIRES")
	return w
}

func formatExpiry(expiresAt int64) string {
	if expiresAt == 0 {
		return "never"
	}
	return time.Unix(expiresAt, 0).Format(time.RFC3339)
}

// policyAPI performs one authenticated call against the daemon admin API.
func policyAPI(method, path string, payload []byte) ([]byte, error) {
	daemonURL := goutils.Env("ASKARI_DAEMON_URL", policyDaemonURL)
	apiKey := goutils.Env("ASKARI_API_KEY", policyAPIKey)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, daemonURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", errDaemonUnreachable, daemonURL, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
