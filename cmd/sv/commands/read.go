package commands

import (
	"fmt"
	"os"

	"sheepvault/pkg/device"

	"github.com/spf13/cobra"
)

var (
	readTag    string
	readSnapID uint32
	readOutput string
)

var readCmd = &cobra.Command{
	Use:   "read <name> <offset> <length>",
	Short: "Read a byte range from a VDI",
	Long:  `Read bytes from the virtual disk and write them to stdout or to a file. Offset and length accept K/M/G/T suffixes. With --tag or --snapshot-id the read goes to a historical snapshot.`,
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		offset, err := parseSize(args[1])
		if err != nil {
			return fmt.Errorf("bad offset: %w", err)
		}
		length, err := parseSize(args[2])
		if err != nil {
			return fmt.Errorf("bad length: %w", err)
		}

		var d *device.Device
		if readTag != "" || readSnapID != 0 {
			d, err = device.OpenSnapshot(SV.Options, name, readTag, readSnapID)
		} else {
			d, err = device.Open(SV.Options, name)
		}
		if err != nil {
			return fmt.Errorf("failed to open vdi: %w", err)
		}
		defer d.Close()

		buf := make([]byte, length)
		if err := d.ReadAt(buf, int64(offset)); err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		out := os.Stdout
		if readOutput != "" {
			out, err = os.Create(readOutput)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer out.Close()
		}
		_, err = out.Write(buf)
		return err
	},
}

func init() {
	readCmd.Flags().StringVar(&readTag, "tag", "", "Read from the snapshot with this tag")
	readCmd.Flags().Uint32Var(&readSnapID, "snapshot-id", 0, "Read from the snapshot with this id")
	readCmd.Flags().StringVarP(&readOutput, "output", "o", "", "Write the bytes to this file instead of stdout")
	vdiCmd.AddCommand(readCmd)
}
