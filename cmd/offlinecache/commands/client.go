package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spdeepak/offlinecache"
	"github.com/spdeepak/offlinecache/internal/api"
	"github.com/spdeepak/offlinecache/internal/config"
)

var serverAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the workers of a running proxy",
	Long: `Query a running proxy for its installing, waiting and active workers.

Examples:
  offlinecache status
  offlinecache status --addr localhost:9000`,
	RunE: runStatus,
}

var messageCmd = &cobra.Command{
	Use:   "message TYPE",
	Short: "Send a control message to the waiting worker",
	Long: `Send a control message to a running proxy. SKIP_WAITING activates the
waiting worker without waiting for open clients to close.

Examples:
  offlinecache message SKIP_WAITING`,
	Args: cobra.ExactArgs(1),
	RunE: runMessage,
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, messageCmd} {
		cmd.Flags().StringVar(&serverAddr, "addr", "", "proxy address (default: server.addr from config)")
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, err := controlURL()
	if err != nil {
		return err
	}

	var status offlinecache.RegistrationStatus
	if err := doControl(http.MethodGet, base+"/_worker/status", nil, &status); err != nil {
		return err
	}
	printStatus(cmd, status)
	return nil
}

func runMessage(cmd *cobra.Command, args []string) error {
	base, err := controlURL()
	if err != nil {
		return err
	}

	body, err := json.Marshal(offlinecache.Message{Type: strings.ToUpper(args[0])})
	if err != nil {
		return err
	}
	var status offlinecache.RegistrationStatus
	if err := doControl(http.MethodPost, base+"/_worker/message", body, &status); err != nil {
		return err
	}
	cmd.Println("Message delivered")
	printStatus(cmd, status)
	return nil
}

func controlURL() (string, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := config.Load(GetConfigFile())
		if err != nil {
			return "", err
		}
		addr = cfg.Server.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr, nil
}

// doControl calls a control endpoint and decodes the data of its response envelope.
func doControl(method, url string, body []byte, data interface{}) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach proxy: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	envelope := api.Response{Data: data}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("proxy returned %d: %s", resp.StatusCode, envelope.Error)
	}
	return nil
}

func printStatus(cmd *cobra.Command, status offlinecache.RegistrationStatus) {
	cmd.Printf("Scope:   %s\n", status.ScriptURL)
	cmd.Printf("Clients: %d\n", status.Clients)
	for _, row := range []struct {
		label  string
		worker *offlinecache.WorkerStatus
	}{
		{"Installing", status.Installing},
		{"Waiting", status.Waiting},
		{"Activating", status.Activating},
		{"Active", status.Active},
	} {
		if row.worker == nil {
			continue
		}
		cmd.Printf("%-11s %s (%s, %s, %s install, %d clients)\n",
			row.label+":", row.worker.Version, row.worker.State,
			row.worker.Strategy, row.worker.InstallPolicy, row.worker.Clients)
	}
}
