// pkg/vdi/cluster_test.go
package vdi_test

import (
	"strings"
	"testing"

	"sheepvault/pkg/proto"
	"sheepvault/pkg/types"
	"sheepvault/pkg/vdi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterOps(t *testing.T) {
	c := startCluster(t)
	opts := vdi.Options{Addr: c.Addr()}

	vidA, err := vdi.Create(opts, "vm-a", 8*types.DataObjSize, 0)
	require.NoError(t, err)
	vidB, err := vdi.Create(opts, "vm-b", 4*types.DataObjSize, 2)
	require.NoError(t, err)

	// 重名拒绝
	_, err = vdi.Create(opts, "vm-a", types.DataObjSize, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ResVdiExist.Err())

	// List 解位图
	vids, err := vdi.List(opts)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.VdiID{vidA, vidB}, vids)

	// Inspect 直接读 inode，不上锁
	ino, err := vdi.Inspect(opts, vidB)
	require.NoError(t, err)
	assert.Equal(t, "vm-b", ino.Name)
	assert.Equal(t, uint64(4*types.DataObjSize), ino.Size)
	assert.Equal(t, uint8(2), ino.Copies)
	assert.Equal(t, vidB, ino.Vid)

	// 删除后从位图消失
	require.NoError(t, vdi.Delete(opts, "vm-a", "", 0))
	vids, err = vdi.List(opts)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.VdiID{vidB}, vids)

	err = vdi.Delete(opts, "vm-a", "", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ResNoVdi.Err())
}

func TestCreateValidation(t *testing.T) {
	c := startCluster(t)
	opts := vdi.Options{Addr: c.Addr()}

	_, err := vdi.Create(opts, strings.Repeat("n", types.MaxVdiNameLen+1), types.DataObjSize, 0)
	assert.ErrorIs(t, err, vdi.ErrNameTooLong)

	_, err = vdi.Create(opts, "huge", types.MaxVdiSize+1, 0)
	assert.ErrorIs(t, err, vdi.ErrVdiTooLarge)
}
