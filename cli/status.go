package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/myrialabs/agentstream/config"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway health",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	host := cfg.Server.Bind
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	url := fmt.Sprintf("http://%s:%d/health", host, cfg.Server.Port)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		if statusJSON {
			fmt.Println(`{"online": false}`)
		} else {
			fmt.Println("Gateway status: offline")
			fmt.Printf("Error: %v\n", err)
		}
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var health map[string]interface{}
	_ = json.Unmarshal(body, &health)

	if statusJSON {
		out, _ := json.Marshal(map[string]interface{}{
			"online": true,
			"url":    url,
			"health": health,
		})
		fmt.Println(string(out))
		return
	}

	fmt.Println("Gateway status: online")
	fmt.Printf("  URL: %s\n", url)
	if status, ok := health["status"]; ok {
		fmt.Printf("  Status: %v\n", status)
	}
	if ts, ok := health["time"]; ok {
		fmt.Printf("  Timestamp: %v\n", ts)
	}
}
