package commands

import (
	"fmt"

	"sheepvault/pkg/types"
	"sheepvault/pkg/vdi"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	infoTag    string
	infoSnapID uint32
)

var infoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show detailed information about a VDI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		// 先把名字解析成 vid (不上锁)，再直接读 inode
		s, err := vdi.OpenSnapshot(SV.Options, name, infoTag, infoSnapID)
		if err != nil {
			return fmt.Errorf("failed to open vdi: %w", err)
		}
		defer s.Close()
		ino := s.Inode()

		// 数据对象占用统计
		allocated, inherited := 0, 0
		for _, owner := range ino.OwnerOf {
			switch owner {
			case 0:
			case ino.Vid:
				allocated++
			default:
				inherited++
			}
		}

		label := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s %s\n", label("Name:"), ino.Name)
		fmt.Printf("%s %s\n", label("Vid:"), ino.Vid)
		fmt.Printf("%s %s (%d bytes)\n", label("Size:"), formatSize(ino.Size), ino.Size)
		fmt.Printf("%s %d\n", label("Copies:"), ino.Copies)
		fmt.Printf("%s %d\n", label("Snapshot id:"), ino.SnapID)
		if ino.Tag != "" {
			fmt.Printf("%s %s\n", label("Tag:"), ino.Tag)
		}
		if ino.Parent != 0 {
			fmt.Printf("%s %s\n", label("Parent vid:"), ino.Parent)
		}
		fmt.Printf("%s %s\n", label("Created:"), formatCtime(ino))
		fmt.Printf("%s %s owned, %s inherited\n", label("Objects:"),
			formatSize(uint64(allocated)*types.DataObjSize),
			formatSize(uint64(inherited)*types.DataObjSize))
		return nil
	},
}

func init() {
	infoCmd.Flags().StringVar(&infoTag, "tag", "", "Inspect the snapshot with this tag")
	infoCmd.Flags().Uint32Var(&infoSnapID, "snapshot-id", 0, "Inspect the snapshot with this id")
	vdiCmd.AddCommand(infoCmd)
}
