package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/strada-io/strada/pkg/protocol"
)

func newSendCmd() *cobra.Command {
	var (
		natsURL   string
		natsToken string
		vehicleID string
		script    string
		file      string
		argsJSON  string
		timeoutMs int
		secret    string
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a command to a vehicle and wait for its response",
		Long: `Publishes a signed command on the vehicle's command subject and waits for
the response on its response subject. Use --script for a library script on
the vehicle, or --file to ship an inline script.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if vehicleID == "" {
				return fmt.Errorf("--vehicle is required")
			}
			if script == "" && file == "" {
				return fmt.Errorf("one of --script or --file is required")
			}

			var inline string
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read script file: %w", err)
				}
				inline = string(data)
			}

			var cmdArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &cmdArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			command := protocol.Command{
				CommandID: uuid.NewString(),
				Script:    script,
				Inline:    inline,
				Args:      cmdArgs,
				TimeoutMs: timeoutMs,
				Source:    "stradactl",
			}
			if err := protocol.SignCommand(&command, secret); err != nil {
				return fmt.Errorf("sign command: %w", err)
			}
			payload, err := json.Marshal(command)
			if err != nil {
				return err
			}

			opts := []nats.Option{nats.Name("stradactl")}
			if natsToken != "" {
				opts = append(opts, nats.Token(natsToken))
			}
			nc, err := nats.Connect(natsURL, opts...)
			if err != nil {
				return fmt.Errorf("nats connect: %w", err)
			}
			defer nc.Close()

			respCh := make(chan *nats.Msg, 1)
			sub, err := nc.ChanSubscribe(protocol.SubjectResponses(vehicleID), respCh)
			if err != nil {
				return fmt.Errorf("subscribe responses: %w", err)
			}
			defer sub.Unsubscribe()

			if err := nc.Publish(protocol.SubjectCommands(vehicleID), payload); err != nil {
				return fmt.Errorf("publish command: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Sent %s to %s\n", command.CommandID, vehicleID)

			deadline := time.After(wait)
			for {
				select {
				case msg := <-respCh:
					var resp protocol.Response
					if err := json.Unmarshal(msg.Data, &resp); err != nil {
						continue
					}
					// Responses for other commands may share the subject.
					if resp.CommandID != command.CommandID {
						continue
					}
					fmt.Printf("status: %s\n", resp.Status)
					if resp.Reason != "" {
						fmt.Printf("reason: %s\n", resp.Reason)
					}
					if len(resp.Payload) > 0 {
						fmt.Printf("payload: %s\n", resp.Payload)
					}
					fmt.Printf("duration: %dms\n", resp.DurationMs)
					if resp.Status != protocol.StatusSuccess {
						os.Exit(1)
					}
					return nil
				case <-deadline:
					return fmt.Errorf("no response from %s within %s", vehicleID, wait)
				}
			}
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", nats.DefaultURL, "fleet broker URL")
	cmd.Flags().StringVar(&natsToken, "nats-token", "", "fleet broker auth token")
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "target vehicle id")
	cmd.Flags().StringVar(&script, "script", "", "library script name on the vehicle")
	cmd.Flags().StringVar(&file, "file", "", "local Lua file to send inline")
	cmd.Flags().StringVar(&argsJSON, "args", "", "command arguments as JSON object")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "execution timeout (0 uses the vehicle default)")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for a response")

	return cmd
}
