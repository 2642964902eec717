package commands

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"sheepvault/pkg/vdi"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all VDIs in the cluster",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vids, err := vdi.List(SV.Options)
		if err != nil {
			return fmt.Errorf("failed to list vdis: %w", err)
		}
		if len(vids) == 0 {
			fmt.Println("No vdis found.")
			return nil
		}

		// 每个 vid 的 inode 各走一条连接，并行拉取
		inodes := make([]*vdi.Inode, len(vids))
		var g errgroup.Group
		g.SetLimit(8)
		var mu sync.Mutex
		for i, vid := range vids {
			g.Go(func() error {
				ino, err := vdi.Inspect(SV.Options, vid)
				if err != nil {
					return fmt.Errorf("vid %s: %w", vid, err)
				}
				mu.Lock()
				inodes[i] = ino
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		// 名字 + snap 序号排序，快照挨着它的当前卷
		sort.Slice(inodes, func(i, j int) bool {
			if inodes[i].Name != inodes[j].Name {
				return inodes[i].Name < inodes[j].Name
			}
			return inodes[i].SnapID < inodes[j].SnapID
		})

		snapMark := color.New(color.FgYellow).Sprint("s")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, " \tNAME\tVID\tSIZE\tCOPIES\tTAG\tCREATED")
		for _, ino := range inodes {
			mark := " "
			if isSnapshot(ino) {
				mark = snapMark
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				mark, ino.Name, ino.Vid, formatSize(ino.Size), ino.Copies,
				ino.Tag, formatCtime(ino))
		}
		return w.Flush()
	},
}

// isSnapshot: 打过快照时间戳的 inode 是历史快照，否则是当前卷
func isSnapshot(ino *vdi.Inode) bool {
	return ino.SnapCtime != 0
}

func formatCtime(ino *vdi.Inode) string {
	ctime := ino.CreateTime
	if isSnapshot(ino) {
		ctime = ino.SnapCtime
	}
	if ctime == 0 {
		return "-"
	}
	return time.Unix(int64(ctime), 0).Format("2006-01-02 15:04")
}

func init() {
	vdiCmd.AddCommand(listCmd)
}
