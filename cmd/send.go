package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/gateway"
	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

func sendCmd() *cobra.Command {
	var (
		channel   string
		to        string
		accountID string
	)
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a message through the running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			conn, err := dialGateway(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			params := map[string]string{
				"channel":   channel,
				"to":        to,
				"accountId": accountID,
				"content":   args[0],
			}
			var res map[string]any
			if err := conn.Call(ctx, protocol.MethodSend, params, &res); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel to send on (whatsapp, telegram, discord, slack, signal)")
	cmd.Flags().StringVar(&to, "to", "", "recipient address on the channel")
	cmd.Flags().StringVar(&accountID, "account", "", "channel account id (default: first configured)")
	cmd.MarkFlagRequired("channel")
	cmd.MarkFlagRequired("to")
	return cmd
}

// dialGateway connects to the local gateway using the same config the
// gateway process reads, so token and port line up without extra flags.
func dialGateway(ctx context.Context) (*gateway.Conn, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	secret := cfg.Gateway.Auth.Token
	if cfg.Gateway.Auth.Mode == "password" {
		secret = cfg.Gateway.Auth.Password
	}
	url := fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)
	conn, err := gateway.Dial(ctx, url, gateway.DialOptions{Token: secret})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}
