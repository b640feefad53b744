package devices

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tphakala/audiomixer/internal/audiocore/sources"
	"github.com/tphakala/audiomixer/internal/audiocore/sources/malgo"
)

// Command creates a command listing audio capture devices.
func Command() *cobra.Command {
	var hardwareOnly bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio capture devices",
		Long:  "Lists the capture devices usable as device:NAME participants of the mix command.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var devices []malgo.AudioDeviceInfo
			var err error
			if hardwareOnly {
				devices, err = sources.ListHardwareDevices()
			} else {
				devices, err = sources.ListAvailableDevices()
			}
			if err != nil {
				return err
			}

			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No capture devices found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tNAME\tID\tDEFAULT")
			for _, d := range devices {
				def := ""
				if d.Default {
					def = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", d.Index, d.Name, d.ID, def)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&hardwareOnly, "hardware", false, "Only list hardware devices")

	return cmd
}
