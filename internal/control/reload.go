package control

import (
	"github.com/spf13/cobra"
)

// NewReloadCmd asks the daemon to reload config.
func NewReloadCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload config in the running daemon",
		Long: `Re-reads the config file. The active capture interval, the transcription
provider and the capture command apply at once; VAD thresholds apply to the
next listening session. The daemon also reloads on its own when the file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return simple(cmd, *cfgPath, Request{Op: OpReload})
		},
	}
}
