// pkg/sheeptest/cluster_test.go
package sheeptest

import (
	"bytes"
	"testing"

	"sheepvault/pkg/client"
	"sheepvault/pkg/proto"
	"sheepvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCluster(t *testing.T) *Cluster {
	t.Helper()
	c, err := Start(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func dialCluster(t *testing.T, c *Cluster) *client.Conn {
	t.Helper()
	conn, err := client.Dial(c.Addr(), client.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// namePayload 构造 name[256]+tag[256] 的请求体
func namePayload(name, tag string) []byte {
	buf := make([]byte, types.MaxVdiNameLen+types.MaxVdiTagLen)
	copy(buf, name)
	copy(buf[types.MaxVdiNameLen:], tag)
	return buf
}

func vdiCall(t *testing.T, conn *client.Conn, req proto.VdiReq, payloadOut, payloadIn []byte) (proto.VdiRsp, int) {
	t.Helper()
	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)
	rspHdr, n, err := conn.Exchange(hdr, payloadOut, payloadIn)
	require.NoError(t, err)
	return proto.UnmarshalVdiRsp(rspHdr), n
}

func objCall(t *testing.T, conn *client.Conn, req proto.ObjReq, payloadOut, payloadIn []byte) (proto.ObjRsp, int) {
	t.Helper()
	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)
	rspHdr, n, err := conn.Exchange(hdr, payloadOut, payloadIn)
	require.NoError(t, err)
	return proto.UnmarshalObjRsp(rspHdr), n
}

func createVdi(t *testing.T, conn *client.Conn, name string, size uint64) types.VdiID {
	t.Helper()
	rsp, _ := vdiCall(t, conn, proto.VdiReq{
		Opcode:  proto.OpNewVdi,
		Flags:   proto.FlagWrite,
		DataLen: uint32(types.MaxVdiNameLen + types.MaxVdiTagLen),
		VdiSize: size,
	}, namePayload(name, ""), nil)
	require.Equal(t, proto.ResSuccess, rsp.Result)
	require.NotZero(t, rsp.VdiID)
	return types.VdiID(rsp.VdiID)
}

func TestClusterVdiLifecycle(t *testing.T) {
	c := startCluster(t)
	conn := dialCluster(t, c)

	vid := createVdi(t, conn, "alice", 16*types.DataObjSize)

	// 同名重复创建
	rsp, _ := vdiCall(t, conn, proto.VdiReq{
		Opcode:  proto.OpNewVdi,
		Flags:   proto.FlagWrite,
		DataLen: uint32(types.MaxVdiNameLen + types.MaxVdiTagLen),
		VdiSize: types.DataObjSize,
	}, namePayload("alice", ""), nil)
	assert.Equal(t, proto.ResVdiExist, rsp.Result)

	// 加锁拿到同一个 vid，二次加锁失败
	lockReq := proto.VdiReq{
		Opcode:  proto.OpLockVdi,
		Flags:   proto.FlagWrite,
		DataLen: uint32(types.MaxVdiNameLen + types.MaxVdiTagLen),
	}
	rsp, _ = vdiCall(t, conn, lockReq, namePayload("alice", ""), nil)
	require.Equal(t, proto.ResSuccess, rsp.Result)
	assert.Equal(t, uint32(vid), rsp.VdiID)

	rsp, _ = vdiCall(t, conn, lockReq, namePayload("alice", ""), nil)
	assert.Equal(t, proto.ResVdiLocked, rsp.Result)

	// 解锁，再解锁回 NOT_LOCKED
	relReq := proto.VdiReq{Opcode: proto.OpReleaseVdi, VdiID: uint32(vid)}
	rsp, _ = vdiCall(t, conn, relReq, nil, nil)
	assert.Equal(t, proto.ResSuccess, rsp.Result)

	rsp, _ = vdiCall(t, conn, relReq, nil, nil)
	assert.Equal(t, proto.ResVdiNotLocked, rsp.Result)

	// 位图里有这个 vid
	bitmap := make([]byte, types.NrVdis/8)
	rsp, n := vdiCall(t, conn, proto.VdiReq{
		Opcode:  proto.OpReadVdis,
		DataLen: uint32(len(bitmap)),
	}, nil, bitmap)
	require.Equal(t, proto.ResSuccess, rsp.Result)
	require.Greater(t, n, 0)
	assert.NotZero(t, bitmap[uint32(vid)/8]&(1<<(uint32(vid)%8)))

	// 删掉之后名字解析不到
	rsp, _ = vdiCall(t, conn, proto.VdiReq{
		Opcode:  proto.OpDelVdi,
		Flags:   proto.FlagWrite,
		DataLen: uint32(types.MaxVdiNameLen + types.MaxVdiTagLen),
	}, namePayload("alice", ""), nil)
	require.Equal(t, proto.ResSuccess, rsp.Result)

	rsp, _ = vdiCall(t, conn, lockReq, namePayload("alice", ""), nil)
	assert.Equal(t, proto.ResNoVdi, rsp.Result)
}

func TestClusterObjectRoundTrip(t *testing.T) {
	c := startCluster(t)
	conn := dialCluster(t, c)

	vid := createVdi(t, conn, "bob", 16*types.DataObjSize)
	oid := types.DataObjectID(vid, 3)

	// 不存在的对象：读和改写都是 NO_OBJ
	rsp, _ := objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpReadObj, Oid: oid, DataLen: 16,
	}, nil, make([]byte, 16))
	assert.Equal(t, proto.ResNoObj, rsp.Result)

	rsp, _ = objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpWriteObj, Flags: proto.FlagWrite, Oid: oid, DataLen: 5,
	}, []byte("hello"), nil)
	assert.Equal(t, proto.ResNoObj, rsp.Result)

	// 创建后能读回，偏移写也能读回
	rsp, _ = objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpCreateAndWriteObj, Flags: proto.FlagWrite,
		Oid: oid, DataLen: 5, Offset: 100,
	}, []byte("hello"), nil)
	require.Equal(t, proto.ResSuccess, rsp.Result)

	buf := make([]byte, 10)
	rsp, n := objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpReadObj, Oid: oid, DataLen: 10, Offset: 98,
	}, nil, buf)
	require.Equal(t, proto.ResSuccess, rsp.Result)
	require.Equal(t, 10, n)
	// 头两个字节落在未写区域，应当是零
	assert.Equal(t, []byte{0, 0, 'h', 'e', 'l', 'l', 'o', 0, 0, 0}, buf)

	rsp, _ = objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpWriteObj, Flags: proto.FlagWrite, Oid: oid, DataLen: 5, Offset: 102,
	}, []byte("WORLD"), nil)
	require.Equal(t, proto.ResSuccess, rsp.Result)

	rsp, _ = objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpReadObj, Oid: oid, DataLen: 7, Offset: 100,
	}, nil, buf[:7])
	require.Equal(t, proto.ResSuccess, rsp.Result)
	assert.True(t, bytes.Equal([]byte("heWORLD"), buf[:7]))

	// 丢弃后再读回 NO_OBJ
	rsp, _ = objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpDiscardObj, Oid: oid,
	}, nil, nil)
	require.Equal(t, proto.ResSuccess, rsp.Result)

	rsp, _ = objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpReadObj, Oid: oid, DataLen: 16,
	}, nil, make([]byte, 16))
	assert.Equal(t, proto.ResNoObj, rsp.Result)
}

func TestClusterCopyOnWrite(t *testing.T) {
	c := startCluster(t)
	conn := dialCluster(t, c)

	vid := createVdi(t, conn, "carol", 16*types.DataObjSize)
	baseOid := types.DataObjectID(vid, 0)

	rsp, _ := objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpCreateAndWriteObj, Flags: proto.FlagWrite,
		Oid: baseOid, DataLen: 4,
	}, []byte("base"), nil)
	require.Equal(t, proto.ResSuccess, rsp.Result)

	newVid, err := c.Snapshot("carol", "v1")
	require.NoError(t, err)
	require.NotEqual(t, vid, newVid)

	// 带 COW 标志创建新对象：先拷源再写
	newOid := types.DataObjectID(newVid, 0)
	rsp, _ = objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpCreateAndWriteObj, Flags: proto.FlagWrite | proto.FlagCOW,
		Oid: newOid, CowOid: baseOid, DataLen: 2, Offset: 2,
	}, []byte("XX"), nil)
	require.Equal(t, proto.ResSuccess, rsp.Result)

	buf := make([]byte, 4)
	rsp, _ = objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpReadObj, Oid: newOid, DataLen: 4,
	}, nil, buf)
	require.Equal(t, proto.ResSuccess, rsp.Result)
	assert.Equal(t, []byte("baXX"), buf)

	// 源对象不受影响
	rsp, _ = objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpReadObj, Oid: baseOid, DataLen: 4,
	}, nil, buf)
	require.Equal(t, proto.ResSuccess, rsp.Result)
	assert.Equal(t, []byte("base"), buf)

	// 快照 vid 现在是只读的
	rsp, _ = objCall(t, conn, proto.ObjReq{
		Opcode: proto.OpWriteObj, Flags: proto.FlagWrite, Oid: baseOid, DataLen: 4,
	}, []byte("nope"), nil)
	assert.Equal(t, proto.ResReadonly, rsp.Result)
}

func TestClusterFlushAndInjection(t *testing.T) {
	c := startCluster(t)
	conn := dialCluster(t, c)

	vid := createVdi(t, conn, "dave", types.DataObjSize)

	flushReq := proto.ObjReq{
		Opcode: proto.OpFlushVdi,
		Oid:    types.VdiObjectID(vid),
	}

	// 默认：没有对象缓存，FLUSH 回 INVALID_PARMS
	rsp, _ := objCall(t, conn, flushReq, nil, nil)
	assert.Equal(t, proto.ResInvalidParms, rsp.Result)

	c.SetFlushResult(proto.ResSuccess)
	rsp, _ = objCall(t, conn, flushReq, nil, nil)
	assert.Equal(t, proto.ResSuccess, rsp.Result)

	// 注入的失败只消耗一次
	c.FailNext(proto.OpFlushVdi, proto.ResEIO)
	rsp, _ = objCall(t, conn, flushReq, nil, nil)
	assert.Equal(t, proto.ResEIO, rsp.Result)
	rsp, _ = objCall(t, conn, flushReq, nil, nil)
	assert.Equal(t, proto.ResSuccess, rsp.Result)
}

func TestClusterEpochBumpsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	c1, err := Start(Config{DataDir: dir})
	require.NoError(t, err)
	first := c1.Epoch()
	require.NoError(t, c1.Close())

	c2, err := Start(Config{DataDir: dir})
	require.NoError(t, err)
	defer c2.Close()

	assert.Equal(t, first+1, c2.Epoch())
}
