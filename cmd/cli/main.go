// Command mamctl queries a mam-keeper archive over WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globals struct {
	server  string
	token   string
	timeout time.Duration
}

func (g *globals) bearer() (string, error) {
	if g.token != "" {
		return g.token, nil
	}
	return loadToken()
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "mamctl",
		Short:         "Query a message archive",
		Version:       version + " (" + buildDate + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.server, "server", "ws://localhost:5280/ws", "WebSocket endpoint")
	pf.StringVar(&g.token, "token", "", "bearer token (defaults to the saved one)")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "overall request timeout")

	root.AddCommand(newLoginCommand(), newQueryCommand(g), newFieldsCommand(g))
	return root
}

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login TOKEN",
		Short: "Save a bearer token for later commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok := strings.TrimSpace(args[0])
			exp, err := tokenExpiry(tok)
			if err != nil {
				return err
			}
			if time.Now().After(exp) {
				return errors.New("token already expired")
			}
			if err := saveToken(tok, exp); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "token saved, valid until %s\n", exp.Format(time.RFC3339))
			return err
		},
	}
}

func newQueryCommand(g *globals) *cobra.Command {
	o := queryOptions{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Fetch one page of an archive",
		Long:  "Fetch one page of an archive. Each result is printed as a JSON line, followed by a summary of the page.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			iq, queryID, err := buildQuery(o)
			if err != nil {
				return err
			}
			tok, err := g.bearer()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			conn, err := dialWS(ctx, g.server, tok)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := send(conn, iq); err != nil {
				return err
			}
			sum, err := collect(ctx, conn, iq, queryID, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.NS, "ns", "2", "archive protocol version: 0, 1 or 2")
	f.StringVar(&o.To, "archive", "", "archive to query (a room address); defaults to your own")
	f.StringVar(&o.With, "with", "", "only messages exchanged with this address")
	f.StringVar(&o.Start, "start", "", "only messages at or after this time")
	f.StringVar(&o.End, "end", "", "only messages at or before this time")
	f.IntVar(&o.Max, "max", -1, "page size")
	f.StringVar(&o.After, "after", "", "page after this result id")
	f.StringVar(&o.Before, "before", "", "page before this result id")
	f.BoolVar(&o.Last, "last", false, "fetch the last page")
	f.IntVar(&o.Index, "index", -1, "skip to this position")
	cmd.MarkFlagsMutuallyExclusive("after", "before")
	cmd.MarkFlagsMutuallyExclusive("after", "last")
	return cmd
}

func newFieldsCommand(g *globals) *cobra.Command {
	var ns, to string
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "List the filter fields the archive supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			space, err := namespace(ns)
			if err != nil {
				return err
			}
			tok, err := g.bearer()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			conn, err := dialWS(ctx, g.server, tok)
			if err != nil {
				return err
			}
			defer conn.Close()
			fields, err := fetchFields(ctx, conn, space, to)
			if err != nil {
				return err
			}
			for _, f := range fields {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", f.Var, f.Type); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ns, "ns", "2", "archive protocol version: 0, 1 or 2")
	cmd.Flags().StringVar(&to, "archive", "", "archive to ask (a room address); defaults to your own")
	return cmd
}
