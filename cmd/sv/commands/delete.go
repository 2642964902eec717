package commands

import (
	"fmt"

	"sheepvault/pkg/vdi"

	"github.com/spf13/cobra"
)

var (
	deleteTag    string
	deleteSnapID uint32
)

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a VDI or one of its snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		if err := vdi.Delete(SV.Options, name, deleteTag, deleteSnapID); err != nil {
			return fmt.Errorf("failed to delete vdi: %w", err)
		}

		if deleteTag != "" || deleteSnapID != 0 {
			fmt.Printf("✅ Deleted snapshot of %s (tag=%q snapshot-id=%d)\n", name, deleteTag, deleteSnapID)
		} else {
			fmt.Printf("✅ Deleted vdi %s\n", name)
		}
		return nil
	},
}

func init() {
	deleteCmd.Flags().StringVar(&deleteTag, "tag", "", "Snapshot tag to delete")
	deleteCmd.Flags().Uint32Var(&deleteSnapID, "snapshot-id", 0, "Snapshot id to delete")
	vdiCmd.AddCommand(deleteCmd)
}
