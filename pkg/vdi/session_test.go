// pkg/vdi/session_test.go
// 外部测试包：sheeptest 本身依赖 vdi 的 inode 编解码
package vdi_test

import (
	"strings"
	"testing"

	"sheepvault/pkg/proto"
	"sheepvault/pkg/sheeptest"
	"sheepvault/pkg/types"
	"sheepvault/pkg/vdi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCluster(t *testing.T) *sheeptest.Cluster {
	t.Helper()
	c, err := sheeptest.Start(sheeptest.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func createVdi(t *testing.T, c *sheeptest.Cluster, name string, size uint64) {
	t.Helper()
	vid, err := vdi.Create(vdi.Options{Addr: c.Addr()}, name, size, 0)
	require.NoError(t, err)
	require.NotZero(t, vid)
}

func TestSessionOpenClose(t *testing.T) {
	c := startCluster(t)
	createVdi(t, c, "vm0", 8*types.DataObjSize)

	s, err := vdi.Open(vdi.Options{Addr: c.Addr()}, "vm0")
	require.NoError(t, err)

	assert.Equal(t, "vm0", s.Name())
	assert.Equal(t, uint64(8*types.DataObjSize), s.Size())
	assert.False(t, s.ReadOnly())
	assert.NotZero(t, s.Vid())

	// 打开即上锁：第二个会话进不来
	_, err = vdi.Open(vdi.Options{Addr: c.Addr()}, "vm0")
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ResVdiLocked.Err())

	// 关掉之后锁被释放
	require.NoError(t, s.Close())
	s2, err := vdi.Open(vdi.Options{Addr: c.Addr()}, "vm0")
	require.NoError(t, err)
	s2.Close()
}

// Open 在上锁之后、inode 拉取之前失败，不能把锁漏在服务端
func TestSessionOpenFailureReleasesLock(t *testing.T) {
	c := startCluster(t)
	createVdi(t, c, "vm0", 8*types.DataObjSize)

	// 让紧随上锁之后的 inode 读失败
	c.FailNext(proto.OpReadObj, proto.ResEIO)
	_, err := vdi.Open(vdi.Options{Addr: c.Addr()}, "vm0")
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ResEIO.Err())

	// 锁已经还回去了，下一次打开不会撞 VDI_LOCKED
	s, err := vdi.Open(vdi.Options{Addr: c.Addr()}, "vm0")
	require.NoError(t, err)
	s.Close()
}

func TestSessionOpenMissingVdi(t *testing.T) {
	c := startCluster(t)

	_, err := vdi.Open(vdi.Options{Addr: c.Addr()}, "no-such-vdi")
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ResNoVdi.Err())
}

func TestSessionNameValidation(t *testing.T) {
	c := startCluster(t)

	_, err := vdi.Open(vdi.Options{Addr: c.Addr()}, strings.Repeat("x", types.MaxVdiNameLen+1))
	assert.ErrorIs(t, err, vdi.ErrNameTooLong)

	_, err = vdi.OpenSnapshot(vdi.Options{Addr: c.Addr()}, "vm0",
		strings.Repeat("t", types.MaxVdiTagLen+1), 0)
	assert.ErrorIs(t, err, vdi.ErrTagTooLong)
}

func TestSessionObjectRoundTrip(t *testing.T) {
	c := startCluster(t)
	createVdi(t, c, "vm0", 8*types.DataObjSize)

	s, err := vdi.Open(vdi.Options{Addr: c.Addr()}, "vm0")
	require.NoError(t, err)
	defer s.Close()

	oid := types.DataObjectID(s.Vid(), 2)

	needReload, err := s.WriteObject(oid, []byte("hello"), 128, 1, true, 0, 0)
	require.NoError(t, err)
	assert.False(t, needReload)

	buf := make([]byte, 5)
	require.NoError(t, s.ReadObject(oid, buf, 128, 1))
	assert.Equal(t, []byte("hello"), buf)
}

func TestSessionUpdateInodeClearsDirty(t *testing.T) {
	c := startCluster(t)
	createVdi(t, c, "vm0", 8*types.DataObjSize)

	s, err := vdi.Open(vdi.Options{Addr: c.Addr()}, "vm0")
	require.NoError(t, err)
	defer s.Close()

	_, _, ok := s.DirtyRange()
	assert.False(t, ok, "fresh session has no dirty range")

	s.MarkDirty(3)
	s.MarkDirty(1)
	lo, hi, ok := s.DirtyRange()
	require.True(t, ok)
	assert.Equal(t, uint32(1), lo)
	assert.Equal(t, uint32(3), hi)

	s.Inode().OwnerOf[1] = s.Vid()
	s.Inode().OwnerOf[3] = s.Vid()
	require.NoError(t, s.UpdateInode())

	_, _, ok = s.DirtyRange()
	assert.False(t, ok, "persisting the inode resets the dirty range")

	// 重开会话能看到持久化后的所有权
	require.NoError(t, s.Close())
	s2, err := vdi.Open(vdi.Options{Addr: c.Addr()}, "vm0")
	require.NoError(t, err)
	defer s2.Close()
	assert.True(t, s2.Inode().OwnsIndex(1))
	assert.True(t, s2.Inode().OwnsIndex(3))
}

func TestSessionReloadAfterSnapshot(t *testing.T) {
	c := startCluster(t)
	createVdi(t, c, "vm0", 8*types.DataObjSize)

	s, err := vdi.Open(vdi.Options{Addr: c.Addr()}, "vm0")
	require.NoError(t, err)
	defer s.Close()
	oldVid := s.Vid()

	// 会话持锁期间打快照：inode 过期
	newVid, err := c.Snapshot("vm0", "v1")
	require.NoError(t, err)

	// 往旧 vid 上写会拿到 needReload 信号
	oid := types.DataObjectID(oldVid, 0)
	needReload, err := s.WriteObject(oid, []byte("x"), 0, 1, true, 0, 0)
	require.NoError(t, err)
	assert.True(t, needReload)

	require.NoError(t, s.Reload())
	assert.Equal(t, newVid, s.Vid())
}

func TestSessionOpenSnapshotIsReadOnly(t *testing.T) {
	c := startCluster(t)
	createVdi(t, c, "vm0", 8*types.DataObjSize)

	_, err := c.Snapshot("vm0", "v1")
	require.NoError(t, err)

	s, err := vdi.OpenSnapshot(vdi.Options{Addr: c.Addr()}, "vm0", "v1", 0)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.ReadOnly())
	assert.Equal(t, "v1", s.Inode().Tag)

	// snapshot id 寻址也要能找到同一个快照
	s2, err := vdi.OpenSnapshot(vdi.Options{Addr: c.Addr()}, "vm0", "", 1)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, s.Vid(), s2.Vid())
}

func TestSessionFlushToleratesNoCache(t *testing.T) {
	c := startCluster(t)
	createVdi(t, c, "vm0", types.DataObjSize)

	s, err := vdi.Open(vdi.Options{Addr: c.Addr()}, "vm0")
	require.NoError(t, err)
	defer s.Close()

	// 默认集群没有对象缓存，回 INVALID_PARMS，Flush 要把它当成功吞掉
	require.NoError(t, s.Flush())

	c.SetFlushResult(proto.ResSuccess)
	require.NoError(t, s.Flush())

	c.FailNext(proto.OpFlushVdi, proto.ResEIO)
	err = s.Flush()
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ResEIO.Err())
}
