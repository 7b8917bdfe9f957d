// Command dctl talks to a running dispatch daemon over NATS request/reply.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mtzanidakis/dispatch/internal/agent"
	"github.com/mtzanidakis/dispatch/internal/natsbus"
	"github.com/spf13/cobra"
)

var version = "dev"

type options struct {
	natsURL string
	timeout time.Duration
	json    bool
}

type ipcReply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "dctl",
		Short:         "Inspect and drive a dispatch daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("DISPATCH_NATS_URL")
	if defaultURL == "" {
		defaultURL = "nats://localhost:4222"
	}
	root.PersistentFlags().StringVar(&opts.natsURL, "nats", defaultURL, "NATS server URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	root.AddCommand(
		newSubmitCmd(opts),
		newStartedCmd(opts),
		newOutcomeCmd(opts),
		newStatusCmd(opts),
		newStatsCmd(opts),
		newStatisticsCmd(opts),
		newResourcesCmd(opts),
		newLogCmd(opts),
		newMetricsCmd(opts),
	)
	return root
}

// call sends one IPC command and decodes the reply data into out.
func call(opts *options, typ string, payload any, out any) (json.RawMessage, error) {
	client, err := natsbus.NewClientFromURL(opts.natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer client.Close()

	cmd := agent.IPCCommand{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		cmd.Payload = data
	}

	var reply ipcReply
	if err := client.RequestJSON(natsbus.TopicIPC, cmd, &reply, opts.timeout); err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("%s", reply.Error)
	}
	if out != nil && len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}
	}
	return reply.Data, nil
}

func printJSON(cmd *cobra.Command, data json.RawMessage) error {
	var v any
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
