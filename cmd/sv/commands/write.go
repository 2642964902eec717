package commands

import (
	"fmt"
	"io"
	"os"

	"sheepvault/pkg/device"

	"github.com/spf13/cobra"
)

var writeCmd = &cobra.Command{
	Use:   "write <name> <offset> [file]",
	Short: "Write bytes into a VDI at the given offset",
	Long:  `Read bytes from a file (or stdin when no file is given) and write them into the virtual disk starting at offset. The write is flushed before the command exits.`,
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		offset, err := parseSize(args[1])
		if err != nil {
			return fmt.Errorf("bad offset: %w", err)
		}

		in := io.Reader(os.Stdin)
		if len(args) == 3 {
			f, err := os.Open(args[2])
			if err != nil {
				return fmt.Errorf("failed to open input file: %w", err)
			}
			defer f.Close()
			in = f
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		if len(data) == 0 {
			fmt.Println("Nothing to write.")
			return nil
		}

		d, err := device.Open(SV.Options, name)
		if err != nil {
			return fmt.Errorf("failed to open vdi: %w", err)
		}
		defer d.Close()

		if err := d.WriteAt(data, int64(offset)); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		if err := d.Flush(); err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}

		fmt.Printf("✅ Wrote %d bytes at offset %d\n", len(data), offset)
		return nil
	},
}

func init() {
	vdiCmd.AddCommand(writeCmd)
}
