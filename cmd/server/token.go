package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/config"
	"github.com/and161185/mam-keeper/internal/transport/ws"
)

func newTokenCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a WebSocket bearer token",
		Long:  "Mint an HS256 token for a client address. A bare address gets a generated resource on connect.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			if cfg.Auth.SigningKey == "" {
				return errors.New("auth.signing-key is required")
			}
			raw, _ := cmd.Flags().GetString("jid")
			addr, err := jid.Parse(raw)
			if err != nil || addr.Localpart() == "" {
				return fmt.Errorf("invalid --jid %q", raw)
			}
			ttl := cfg.Auth.TokenTTL
			if cmd.Flags().Changed("ttl") {
				ttl, _ = cmd.Flags().GetDuration("ttl")
			}
			tok, err := ws.IssueToken([]byte(cfg.Auth.SigningKey), addr, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	d := config.Default()
	cmd.Flags().String("jid", "", "client address, e.g. alice@example.com/phone")
	cmd.Flags().Duration("ttl", d.Auth.TokenTTL, "token lifetime")
	cmd.Flags().String("signing-key", d.Auth.SigningKey, "HS256 key for WebSocket bearer tokens")
	_ = cmd.MarkFlagRequired("jid")
	return cmd
}
