// sentinel is the command-line interface for the SentinelChain
// log-integrity system. It talks to a running indexerd instance.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var (
	indexerURL string
	cfgFile    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "SentinelChain CLI",
	Long: `sentinel is the command-line interface for SentinelChain.

It verifies log integrity against the ledger, fetches stored records,
and inspects the ledger's hash chain through a running indexer.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.sentinel")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if indexerURL == "" {
			indexerURL = viper.GetString("indexer_url")
		}
		if indexerURL == "" {
			indexerURL = "http://localhost:4000"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.sentinel/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&indexerURL, "indexer", "", "indexer URL (default http://localhost:4000)")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(severityCmd)
	rootCmd.AddCommand(versionCmd)

	verifyCmd.Flags().StringVar(&verifyPayloadFile, "payload-file", "", "file holding the claimed-original payload")
	verifyCmd.Flags().StringVar(&verifyDigest, "digest", "", "previously retrieved 0x-prefixed digest")
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyPayloadFile string
	verifyDigest      string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <log-id> [payload]",
	Short: "Verify a log's integrity against the ledger",
	Long: `Verify recomputes a log's fingerprint and compares it against the
ledger record. Supply the claimed-original payload as an argument, via
--payload-file, or supply a previously retrieved digest via --digest.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logID := args[0]

		req := map[string]any{"logId": logID}
		switch {
		case verifyDigest != "":
			req["digest"] = verifyDigest
		case verifyPayloadFile != "":
			data, err := os.ReadFile(verifyPayloadFile)
			if err != nil {
				return fmt.Errorf("read payload file: %w", err)
			}
			req["payload"] = string(data)
		case len(args) == 2:
			req["payload"] = args[1]
		default:
			return fmt.Errorf("supply a payload argument, --payload-file, or --digest")
		}

		var res struct {
			Verified bool   `json:"verified"`
			Mode     string `json:"mode"`
		}
		if err := postJSON("/api/v1/verify", req, &res); err != nil {
			return err
		}

		if res.Verified {
			fmt.Printf("VERIFIED (%s): ledger fingerprint matches for %q\n", res.Mode, logID)
			return nil
		}
		fmt.Printf("NOT VERIFIED (%s): fingerprint mismatch or unknown log %q\n", res.Mode, logID)
		os.Exit(1)
		return nil
	},
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <log-id>",
	Short: "Fetch a stored log record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec map[string]any
		if err := getJSON("/api/v1/logs/"+args[0], &rec); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

// ── ledger ───────────────────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the ledger's hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		var overview struct {
			Entries int    `json:"entries"`
			Root    string `json:"root"`
		}
		if err := getJSON("/api/v1/ledger", &overview); err != nil {
			return err
		}

		var verify struct {
			Valid bool   `json:"valid"`
			Error string `json:"error"`
		}
		if err := getJSON("/api/v1/ledger/verify", &verify); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "entries:\t%d\n", overview.Entries)
		fmt.Fprintf(w, "root:\t%s\n", overview.Root)
		if verify.Valid {
			fmt.Fprintf(w, "integrity:\tOK\n")
		} else {
			fmt.Fprintf(w, "integrity:\tBROKEN (%s)\n", verify.Error)
		}
		return w.Flush()
	},
}

// ── severity ─────────────────────────────────────────────────────────────────

var severityCmd = &cobra.Command{
	Use:   "severity",
	Short: "Show the current severity aggregate",
	RunE: func(cmd *cobra.Command, args []string) error {
		var rows []struct {
			Level string `json:"level"`
			Count uint64 `json:"count"`
		}
		if err := getJSON("/severity", &rows); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, r := range rows {
			fmt.Fprintf(w, "%s:\t%d\n", r.Level, r.Count)
		}
		return w.Flush()
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("sentinel", version)
	},
}

// ── HTTP helpers ─────────────────────────────────────────────────────────────

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(indexerURL + path)
	if err != nil {
		return fmt.Errorf("reach indexer: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func postJSON(path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(indexerURL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("reach indexer: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("indexer: %s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("indexer: HTTP %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
