package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/zjrosen/countermgr/internal/orchestration/api"
	"github.com/zjrosen/countermgr/internal/ui/watch"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of the registry on a running daemon",
	Long: `Poll a running daemon and show its confirmed children, outstanding
requests and rejected confirmations.

Keys: n create, + increment, 0 reset to zero, r refresh, ? help, q quit.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if watchInterval <= 0 {
			return fmt.Errorf("--interval must be positive")
		}
		p := tea.NewProgram(watch.New(api.NewClient(cfg.API.Addr), watchInterval), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", watch.DefaultInterval, "poll interval")
	rootCmd.AddCommand(watchCmd)
}
