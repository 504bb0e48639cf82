package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	reloadAddr  string
	reloadForce bool
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running daemon to reload its skill manifest",
	Long: `Ask a running skillhost daemon to drain its sessions, terminate
them and rebuild the tool catalog from the manifest on disk.

Examples:
  skillhost reload
  skillhost reload --addr localhost:9090 --force`,
	RunE: reloadRun,
}

func init() {
	reloadCmd.Flags().StringVar(&reloadAddr, "addr", "localhost:8080", "daemon address")
	reloadCmd.Flags().BoolVar(&reloadForce, "force", false, "break a held reload lock")
}

func reloadRun(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "skills/reload",
		"params":  map[string]any{"force": reloadForce},
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post("http://"+reloadAddr+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", reloadAddr, err)
	}
	defer resp.Body.Close()

	var rpc struct {
		Result map[string]any `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return fmt.Errorf("decoding daemon response: %w", err)
	}
	if rpc.Error != nil {
		return fmt.Errorf("reload failed (%d): %s", rpc.Error.Code, rpc.Error.Message)
	}
	fmt.Println("reloaded")
	return nil
}
