// Command mam-keeper serves message archive queries over WebSocket.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/and161185/mam-keeper/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	root := &cobra.Command{
		Use:           "mam-keeper",
		Short:         "Message archive query server",
		Long:          "mam-keeper archives one-to-one chat and answers archive queries (urn:xmpp:mam:0/1/2) over WebSocket.\nSettings come from flags, MAM_* environment variables or config.yaml, in that order.",
		Version:       version + " (" + buildDate + ")",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to a config file")
	root.AddCommand(newRunCommand(v), newTokenCommand(v), newMigrateCommand(v))
	return root
}

// loadConfig binds the command's flags to v and decodes the configuration.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	file, _ := cmd.Flags().GetString("config")
	return config.Load(v, file)
}
