package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the running gateway's health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			conn, err := dialGateway(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			var health map[string]any
			if err := conn.Call(ctx, protocol.MethodHealth, map[string]any{}, &health); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(health); err != nil {
				return err
			}
			if health["status"] != "ok" {
				return fmt.Errorf("gateway reports status %v", health["status"])
			}
			return nil
		},
	}
}
