package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/countermgr/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the config file",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value, keeping the file's comments",
	Example: `  countermgr config set api.addr localhost:20000
  countermgr config set storage.driver memory`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFileUsed()
		if err := config.SetValue(path, args[0], args[1]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (%s)\n", args[0], args[1], path)
		return err
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the keys accepted by 'config set'",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.Join(config.SettableKeys(), "\n"))
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), configFileUsed())
		return err
	},
}

func init() {
	configCmd.AddCommand(configSetCmd, configKeysCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
