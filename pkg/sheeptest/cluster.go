// pkg/sheeptest/cluster.go
package sheeptest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"sheepvault/pkg/proto"
	"sheepvault/pkg/types"
	"sheepvault/pkg/vdi"

	"github.com/syndtr/goleveldb/leveldb/util"
)

// Config 控制一个节点的后端和监听地址
type Config struct {
	Addr         string // 默认 "127.0.0.1:0" (随机端口)
	Store        Store  // 默认内存后端
	RegistryPath string // 默认进程内 SQLite
	DataDir      string // 非空时 superblock 落在这里 (epoch 跨重启递增)
}

// Cluster 是一个进程内的单节点存储服务。
//
// 所有请求处理被一把大锁串行化——这是测试设施，正确性比吞吐重要。
type Cluster struct {
	ln    net.Listener
	store Store
	reg   *Registry
	sb    *Superblock

	dataDir string

	mu          sync.Mutex
	flushResult proto.Result
	failNext    map[proto.Opcode][]proto.Result
	opCounts    map[proto.Opcode]int

	// 4 MiB 级别的 payload 缓冲复用
	bpool *util.BufferPool

	wg sync.WaitGroup
}

// Start 起一个节点并开始接受连接
func Start(cfg Config) (*Cluster, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Store == nil {
		cfg.Store = NewMemStore()
	}

	reg, err := NewRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}

	sb := defaultSuperblock()
	if cfg.DataDir != "" {
		if sb, err = LoadSuperblock(cfg.DataDir); err != nil {
			return nil, err
		}
	}
	sb.Epoch++
	if cfg.DataDir != "" {
		if err := sb.Save(cfg.DataDir); err != nil {
			return nil, fmt.Errorf("failed to persist superblock: %w", err)
		}
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		ln:      ln,
		store:   cfg.Store,
		reg:     reg,
		sb:      sb,
		dataDir: cfg.DataDir,
		// 真集群有对象缓存才会处理 FLUSH；我们默认没有，
		// 回 INVALID_PARMS 正好练到客户端的容忍路径
		flushResult: proto.ResInvalidParms,
		failNext:    make(map[proto.Opcode][]proto.Result),
		opCounts:    make(map[proto.Opcode]int),
		bpool:       util.NewBufferPool(int(types.DataObjSize)),
	}

	c.wg.Add(1)
	go c.acceptLoop()

	return c, nil
}

// Addr 返回实际监听的 "host:port"
func (c *Cluster) Addr() string { return c.ln.Addr().String() }

// Epoch 返回当前 epoch (响应头里回显的那个)
func (c *Cluster) Epoch() uint32 { return c.sb.Epoch }

// Close 停止监听并归还注册表连接。已建立的连接在对端关闭时自然结束。
func (c *Cluster) Close() error {
	err := c.ln.Close()
	c.wg.Wait()
	if regErr := c.reg.Close(); err == nil {
		err = regErr
	}
	return err
}

// --- 故障注入 --------------------------------------------------------

// FailNext 让下一个 op 类型的请求直接返回 result (排队，先进先出)。
// 用来确定性地验证客户端对某个结果码的处理，比如 READONLY 重试。
func (c *Cluster) FailNext(op proto.Opcode, result proto.Result) {
	c.mu.Lock()
	c.failNext[op] = append(c.failNext[op], result)
	c.mu.Unlock()
}

// SetFlushResult 切换 FLUSH_VDI 的应答 (Success vs InvalidParms)
func (c *Cluster) SetFlushResult(r proto.Result) {
	c.mu.Lock()
	c.flushResult = r
	c.mu.Unlock()
}

// OpCount 返回某个 opcode 到目前为止被处理的次数。
// 测试用它断言某条路径发了 (或没发) 网络请求。
func (c *Cluster) OpCount(op proto.Opcode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opCounts[op]
}

func (c *Cluster) popFail(op proto.Opcode) (proto.Result, bool) {
	q := c.failNext[op]
	if len(q) == 0 {
		return 0, false
	}
	c.failNext[op] = q[1:]
	return q[0], true
}

// --- 连接处理 --------------------------------------------------------

func (c *Cluster) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return // 监听关了
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer conn.Close()
			c.handleConn(conn)
		}()
	}
}

func (c *Cluster) handleConn(conn net.Conn) {
	hdrBuf := make([]byte, proto.HdrSize)

	for {
		if _, err := io.ReadFull(conn, hdrBuf); err != nil {
			return // 对端关了连接，正常退出
		}

		hdr, err := proto.UnmarshalReqHdr(hdrBuf)
		if err != nil {
			c.writeRsp(conn, hdr, proto.ResVerMismatch, nil)
			return
		}

		// FLAG_CMD_WRITE = payload 在请求方向
		var payload []byte
		if hdr.Flags&proto.FlagWrite != 0 && hdr.DataLen > 0 {
			payload = c.bpool.Get(int(hdr.DataLen))
			if _, err := io.ReadFull(conn, payload); err != nil {
				c.bpool.Put(payload)
				return
			}
		}

		rspResult, rspPayload, vdiID := c.dispatch(hdr, hdrBuf, payload)
		if payload != nil {
			c.bpool.Put(payload)
		}

		if err := c.writeVdiOrObjRsp(conn, hdr, rspResult, rspPayload, vdiID); err != nil {
			slog.Debug("sheeptest: write rsp failed", "err", err)
			return
		}
	}
}

// dispatch 处理一个请求。返回 (结果码, 响应 payload, vdi_id 字段)。
func (c *Cluster) dispatch(hdr proto.ReqHdr, hdrBuf, payload []byte) (proto.Result, []byte, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opCounts[hdr.Opcode]++

	if res, ok := c.popFail(hdr.Opcode); ok {
		return res, nil, 0
	}

	switch hdr.Opcode {
	case proto.OpCreateAndWriteObj, proto.OpReadObj, proto.OpWriteObj, proto.OpDiscardObj, proto.OpFlushVdi:
		req := proto.UnmarshalObjReq(hdrBuf)
		res, data := c.handleObj(req, payload)
		return res, data, 0

	case proto.OpNewVdi, proto.OpLockVdi, proto.OpReleaseVdi,
		proto.OpGetVdiInfo, proto.OpReadVdis, proto.OpDelVdi:
		req := proto.UnmarshalVdiReq(hdrBuf)
		return c.handleVdi(req, payload)

	default:
		return proto.ResUnknown, nil, 0
	}
}

func (c *Cluster) writeVdiOrObjRsp(conn net.Conn, hdr proto.ReqHdr, result proto.Result, payload []byte, vdiID uint32) error {
	rsp := proto.VdiRsp{
		Rsp: proto.Rsp{
			Proto:   proto.ProtoVersion,
			Opcode:  hdr.Opcode,
			Epoch:   c.sb.Epoch,
			ID:      hdr.ID,
			DataLen: uint32(len(payload)),
			Result:  result,
		},
		VdiID: vdiID,
	}

	out := c.bpool.Get(proto.HdrSize)
	defer c.bpool.Put(out)
	rsp.Marshal(out)

	bufs := net.Buffers{out}
	if len(payload) > 0 {
		bufs = append(bufs, payload)
	}
	n, err := bufs.WriteTo(conn)
	if err == nil && n < int64(proto.HdrSize+len(payload)) {
		return fmt.Errorf("incomplete write")
	}
	return err
}

func (c *Cluster) writeRsp(conn net.Conn, hdr proto.ReqHdr, result proto.Result, payload []byte) error {
	return c.writeVdiOrObjRsp(conn, hdr, result, payload, 0)
}

// --- 对象操作 --------------------------------------------------------

func (c *Cluster) handleObj(req proto.ObjReq, payload []byte) (proto.Result, []byte) {
	ctx := context.Background()

	switch req.Opcode {
	case proto.OpFlushVdi:
		return c.flushResult, nil

	case proto.OpReadObj:
		data, err := c.store.Get(ctx, req.Oid)
		if errors.Is(err, ErrNotFound) {
			return proto.ResNoObj, nil
		}
		if err != nil {
			return proto.ResEIO, nil
		}

		out := make([]byte, req.DataLen)
		if req.Offset < uint64(len(data)) {
			copy(out, data[req.Offset:])
		}
		// 超出已写长度的部分保持零：对象是稀疏的
		return proto.ResSuccess, out

	case proto.OpCreateAndWriteObj, proto.OpWriteObj:
		// 往一个已经变成快照的 VDI 的对象上写 = 客户端的 inode 过期了
		if rec, err := c.reg.ByVid(req.Oid.Vid()); err == nil && rec.Snapshot {
			return proto.ResReadonly, nil
		}

		var base []byte
		if req.Opcode == proto.OpCreateAndWriteObj {
			if req.CowOid != 0 {
				var err error
				if base, err = c.store.Get(ctx, req.CowOid); errors.Is(err, ErrNotFound) {
					return proto.ResBaseVdiRead, nil
				} else if err != nil {
					return proto.ResEIO, nil
				}
			}
		} else {
			var err error
			if base, err = c.store.Get(ctx, req.Oid); errors.Is(err, ErrNotFound) {
				return proto.ResNoObj, nil
			} else if err != nil {
				return proto.ResEIO, nil
			}
		}

		end := req.Offset + uint64(len(payload))
		obj := base
		if uint64(len(obj)) < end {
			grown := make([]byte, end)
			copy(grown, obj)
			obj = grown
		} else if req.Opcode == proto.OpCreateAndWriteObj && req.CowOid != 0 {
			// COW 源不能被原地改掉
			obj = append([]byte(nil), base...)
		}
		copy(obj[req.Offset:], payload)

		if err := c.store.Put(ctx, req.Oid, obj); err != nil {
			return proto.ResEIO, nil
		}
		return proto.ResSuccess, nil

	case proto.OpDiscardObj:
		err := c.store.Delete(ctx, req.Oid)
		if errors.Is(err, ErrNotFound) {
			return proto.ResNoObj, nil
		}
		if err != nil {
			return proto.ResEIO, nil
		}
		return proto.ResSuccess, nil
	}

	return proto.ResUnknown, nil
}

// --- VDI 操作 --------------------------------------------------------

// nameTag 把 name[256]+tag[256] 的 payload 拆开
func nameTag(payload []byte) (string, string, bool) {
	if len(payload) < types.MaxVdiNameLen+types.MaxVdiTagLen {
		return "", "", false
	}
	return cstrOf(payload[:types.MaxVdiNameLen]), cstrOf(payload[types.MaxVdiNameLen:]), true
}

func (c *Cluster) handleVdi(req proto.VdiReq, payload []byte) (proto.Result, []byte, uint32) {
	ctx := context.Background()

	switch req.Opcode {
	case proto.OpNewVdi:
		name, _, ok := nameTag(payload)
		if !ok || name == "" || req.VdiSize == 0 || req.VdiSize > types.MaxVdiSize {
			return proto.ResInvalidParms, nil, 0
		}

		copies := uint8(req.Copies)
		if copies == 0 {
			copies = c.sb.Copies
		}

		vid, err := c.reg.Create(name, req.VdiSize, copies)
		if errors.Is(err, ErrVdiExists) {
			return proto.ResVdiExist, nil, 0
		}
		if errors.Is(err, ErrVdiFull) {
			return proto.ResFullVdi, nil, 0
		}
		if err != nil {
			return proto.ResSystemError, nil, 0
		}

		ino := vdi.NewInode(name, vid, req.VdiSize, copies)
		ino.CreateTime = uint64(time.Now().Unix())
		ino.SnapID = 1
		if err := c.store.Put(ctx, types.VdiObjectID(vid), ino.Marshal()); err != nil {
			return proto.ResEIO, nil, 0
		}
		return proto.ResSuccess, nil, uint32(vid)

	case proto.OpLockVdi:
		name, _, ok := nameTag(payload)
		if !ok {
			return proto.ResInvalidParms, nil, 0
		}

		rec, err := c.reg.Current(name)
		if errors.Is(err, ErrNoVdi) {
			return proto.ResNoVdi, nil, 0
		}
		if err != nil {
			return proto.ResSystemError, nil, 0
		}
		if rec.Locked {
			return proto.ResVdiLocked, nil, 0
		}
		if _, err := c.reg.SetLocked(types.VdiID(rec.Vid), true); err != nil {
			return proto.ResSystemError, nil, 0
		}
		return proto.ResSuccess, nil, rec.Vid

	case proto.OpGetVdiInfo:
		name, tag, ok := nameTag(payload)
		if !ok {
			return proto.ResInvalidParms, nil, 0
		}

		rec, err := c.reg.Lookup(name, tag, req.SnapID)
		switch {
		case errors.Is(err, ErrNoTag):
			return proto.ResNoTag, nil, 0
		case errors.Is(err, ErrNoVdi):
			return proto.ResNoVdi, nil, 0
		case err != nil:
			return proto.ResSystemError, nil, 0
		}
		return proto.ResSuccess, nil, rec.Vid

	case proto.OpReleaseVdi:
		was, err := c.reg.SetLocked(types.VdiID(req.VdiID), false)
		if errors.Is(err, ErrNoVdi) {
			return proto.ResNoVdi, nil, 0
		}
		if err != nil {
			return proto.ResSystemError, nil, 0
		}
		if !was {
			return proto.ResVdiNotLocked, nil, 0
		}
		return proto.ResSuccess, nil, 0

	case proto.OpReadVdis:
		vids, err := c.reg.Vids()
		if err != nil {
			return proto.ResSystemError, nil, 0
		}

		bitmap := make([]byte, min(uint64(req.DataLen), types.NrVdis/8))
		for _, vid := range vids {
			byteIdx := uint32(vid) / 8
			if uint64(byteIdx) < uint64(len(bitmap)) {
				bitmap[byteIdx] |= 1 << (uint32(vid) % 8)
			}
		}
		return proto.ResSuccess, bitmap, 0

	case proto.OpDelVdi:
		name, tag, ok := nameTag(payload)
		if !ok {
			return proto.ResInvalidParms, nil, 0
		}

		rec, err := c.reg.Lookup(name, tag, req.SnapID)
		switch {
		case errors.Is(err, ErrNoTag):
			return proto.ResNoTag, nil, 0
		case errors.Is(err, ErrNoVdi):
			return proto.ResNoVdi, nil, 0
		case err != nil:
			return proto.ResSystemError, nil, 0
		}

		if err := c.deleteVdiObjects(ctx, types.VdiID(rec.Vid)); err != nil {
			return proto.ResEIO, nil, 0
		}
		if err := c.reg.Delete(types.VdiID(rec.Vid)); err != nil {
			return proto.ResSystemError, nil, 0
		}
		return proto.ResSuccess, nil, 0
	}

	return proto.ResUnknown, nil, 0
}

// deleteVdiObjects 清掉一个 vid 的 inode 对象和它独占的所有数据对象。
// 被子 VDI 继承着的对象不归这里管——单节点实现不做引用计数，
// 删除带快照链的 VDI 是调用方自己要想清楚的事。
func (c *Cluster) deleteVdiObjects(ctx context.Context, vid types.VdiID) error {
	inoOid := types.VdiObjectID(vid)

	data, err := c.store.Get(ctx, inoOid)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ino, err := vdi.UnmarshalInode(data)
	if err != nil {
		return err
	}

	for idx, owner := range ino.OwnerOf {
		if owner != vid {
			continue
		}
		err := c.store.Delete(ctx, types.DataObjectID(vid, uint32(idx)))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	return c.store.Delete(ctx, inoOid)
}

// --- 快照 ------------------------------------------------------------

// Snapshot 把 name 的当前 VDI 固化成只读快照，并创建一个继承全部
// 数据对象的新当前 VDI。返回新 vid。
//
// 这是节点内部的管理操作 (真集群里走单独的管理 opcode)，测试和
// lamb 的管理命令直接调用。持有旧 inode 的客户端下一次写会收到
// READONLY，走 reload 拿到这里创建的新 vid。
func (c *Cluster) Snapshot(name, tag string) (types.VdiID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := context.Background()

	rec, err := c.reg.Current(name)
	if err != nil {
		return 0, err
	}
	oldVid := types.VdiID(rec.Vid)

	data, err := c.store.Get(ctx, types.VdiObjectID(oldVid))
	if err != nil {
		return 0, fmt.Errorf("snapshot %q: read inode: %w", name, err)
	}
	ino, err := vdi.UnmarshalInode(data)
	if err != nil {
		return 0, err
	}

	snapCount, err := c.reg.SnapshotCount(name)
	if err != nil {
		return 0, err
	}
	snapID := uint32(snapCount) + 1

	// 1. 新的当前 VDI：继承全部所有权表 (这就是 COW 共享的来源)
	if err := c.reg.MarkSnapshot(oldVid, tag, snapID); err != nil {
		return 0, err
	}
	newVid, err := c.reg.Create(name, ino.Size, ino.Copies)
	if err != nil {
		return 0, err
	}
	if err := c.reg.AppendChild(oldVid, newVid); err != nil {
		return 0, err
	}

	newIno := vdi.NewInode(name, newVid, ino.Size, ino.Copies)
	newIno.CreateTime = ino.CreateTime
	newIno.SnapID = snapID + 1
	newIno.Parent = oldVid
	copy(newIno.OwnerOf, ino.OwnerOf)
	if err := c.store.Put(ctx, types.VdiObjectID(newVid), newIno.Marshal()); err != nil {
		return 0, err
	}

	// 2. 旧 inode 固化成快照：打 tag、记时间、挂上子 VDI
	ino.Tag = tag
	ino.SnapCtime = uint64(time.Now().Unix())
	ino.SnapID = snapID
	for i := range ino.Children {
		if ino.Children[i] == 0 {
			ino.Children[i] = newVid
			break
		}
	}
	if err := c.store.Put(ctx, types.VdiObjectID(oldVid), ino.Marshal()); err != nil {
		return 0, err
	}

	return newVid, nil
}

// cstrOf 和 vdi 包里的 cstr 一样，避免跨包引一个小工具
func cstrOf(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
