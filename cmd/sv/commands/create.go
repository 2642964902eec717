package commands

import (
	"fmt"

	"sheepvault/pkg/vdi"

	"github.com/spf13/cobra"
)

var createCopies uint32

var createCmd = &cobra.Command{
	Use:   "create <name> <size>",
	Short: "Create a new VDI",
	Long:  `Create a new virtual disk image. Size accepts K/M/G/T suffixes, e.g. "sv vdi create vm0 16G".`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		size, err := parseSize(args[1])
		if err != nil {
			return err
		}

		vid, err := vdi.Create(SV.Options, name, size, createCopies)
		if err != nil {
			return fmt.Errorf("failed to create vdi: %w", err)
		}

		fmt.Printf("✅ Created vdi %s (%s), vid %s\n", name, formatSize(size), vid)
		return nil
	},
}

func init() {
	createCmd.Flags().Uint32Var(&createCopies, "copies", 0, "Number of data replicas (0 = cluster default)")
	vdiCmd.AddCommand(createCmd)
}
