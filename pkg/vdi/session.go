// pkg/vdi/session.go
package vdi

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"sheepvault/pkg/client"
	"sheepvault/pkg/proto"
	"sheepvault/pkg/types"
)

var (
	ErrNameTooLong = errors.New("vdi name too long")
	ErrTagTooLong  = errors.New("vdi tag too long")

	// ErrReadOnlyVdi: 会话是用快照打开的，写操作在发包之前就拒绝
	ErrReadOnlyVdi = errors.New("vdi is read-only (snapshot session)")
)

// Options 是连到集群所需的全部配置
type Options struct {
	Addr        string // "host:port"
	DialTimeout time.Duration
	IOTimeout   time.Duration // 0 = 不设超时 (对端挂死会阻塞 worker)
	Writeback   bool          // 写请求带上 FlagCache
}

func (o Options) connOptions() client.Options {
	return client.Options{DialTimeout: o.DialTimeout, IOTimeout: o.IOTimeout}
}

// Session 是一个打开的 VDI：一条长连接 + 内存里的 inode 快照 + 脏区间。
//
// 一个 Session 由一个 worker 独占，内部不加锁。
// 名字解析类操作 (lock/info) 走独立的短连接，不占用这条长连接。
type Session struct {
	conn *client.Conn
	opts Options

	name  string
	inode *Inode

	// 自上次元数据持久化以来新认领的 index 区间 [minDirty, maxDirty]。
	// 目前持久化始终是整个 inode 的覆盖写，这个区间只是诊断信息。
	minDirty uint32
	maxDirty uint32

	readonly bool
}

// Open 打开当前 (可写的那个) VDI：解析 vid → 上锁 → 建立长连接 → 拉 inode。
// 任何一步失败都不会留下打开的连接。
func Open(opts Options, name string) (*Session, error) {
	vid, err := resolve(opts, name, "", types.CurrentVdiID, false)
	if err != nil {
		return nil, err
	}
	return openSession(opts, name, vid, false)
}

// OpenSnapshot 以只读方式打开一个历史快照 (按 tag 或 snapshot id 寻址)。
// 走 GET_VDI_INFO，不会给快照上锁。
func OpenSnapshot(opts Options, name, tag string, snapID uint32) (*Session, error) {
	vid, err := resolve(opts, name, tag, snapID, true)
	if err != nil {
		return nil, err
	}
	return openSession(opts, name, vid, true)
}

func openSession(opts Options, name string, vid types.VdiID, readonly bool) (*Session, error) {
	// 半途失败要把 resolve 拿到的锁还回去，不然这个名字就永远锁死了。
	// 只读会话没上过锁，没什么好还的。
	fail := func(err error) (*Session, error) {
		if !readonly {
			releaseVdi(opts, vid)
		}
		return nil, err
	}

	conn, err := client.Dial(opts.Addr, opts.connOptions())
	if err != nil {
		return fail(err)
	}

	s := &Session{
		conn:     conn,
		opts:     opts,
		name:     name,
		minDirty: math.MaxUint32,
		maxDirty: 0,
		readonly: readonly,
	}

	// copies=0：inode 对象的副本数让服务端自己推断
	buf := make([]byte, InodeSize)
	if err := readObject(conn, types.VdiObjectID(vid), buf, 0, 0); err != nil {
		conn.Close()
		return fail(fmt.Errorf("failed to read inode %s: %w", vid, err))
	}

	ino, err := UnmarshalInode(buf)
	if err != nil {
		conn.Close()
		return fail(err)
	}

	s.inode = ino
	return s, nil
}

// releaseVdi 尽力而为地释放 vid 上的锁，走一条临时连接。
// 失败就失败了，锁留给管理员处理。
func releaseVdi(opts Options, vid types.VdiID) {
	conn, err := client.Dial(opts.Addr, opts.connOptions())
	if err != nil {
		return
	}
	defer conn.Close()

	req := proto.VdiReq{
		Opcode: proto.OpReleaseVdi,
		VdiID:  uint32(vid),
	}
	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)
	if _, _, err := conn.Exchange(hdr, nil, nil); err != nil {
		slog.Warn("release vdi failed", "vid", vid, "err", err)
	}
}

// resolve 把 (name, tag, snapID) 解析成 vid。
// forSnapshot=false 时顺带给当前 VDI 上独占锁 (LOCK_VDI)。
// 永远走一条临时连接，用完即关。
func resolve(opts Options, name, tag string, snapID uint32, forSnapshot bool) (types.VdiID, error) {
	if len(name) > types.MaxVdiNameLen {
		return 0, ErrNameTooLong
	}
	if len(tag) > types.MaxVdiTagLen {
		return 0, ErrTagTooLong
	}

	conn, err := client.Dial(opts.Addr, opts.connOptions())
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	op := proto.OpLockVdi
	if forSnapshot {
		op = proto.OpGetVdiInfo
	}

	// payload 固定是 name[256] + tag[256]，不足补零
	payload := make([]byte, types.MaxVdiNameLen+types.MaxVdiTagLen)
	copy(payload[0:types.MaxVdiNameLen], name)
	copy(payload[types.MaxVdiNameLen:], tag)

	req := proto.VdiReq{
		Opcode:  op,
		Flags:   proto.FlagWrite, // payload 在请求方向
		DataLen: uint32(len(payload)),
		SnapID:  snapID,
	}
	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)

	rspBuf, _, err := conn.Exchange(hdr, payload, nil)
	if err != nil {
		return 0, err
	}

	rsp := proto.UnmarshalVdiRsp(rspBuf)
	if err := rsp.Result.Err(); err != nil {
		return 0, fmt.Errorf("cannot get vdi info, name %q snapid %d tag %q: %w",
			name, snapID, tag, err)
	}

	return types.VdiID(rsp.VdiID), nil
}

// Reload 重新解析当前 vid 并整体替换内存里的 inode。
// 只在写路径收到 read-only (元数据已过期) 信号时调用。
// 解析走 GET_VDI_INFO 而不是再上一次锁：会话本来就持有这个名字的锁，
// 快照只是把它挪到了新 vid 上。
func (s *Session) Reload() error {
	vid, err := resolve(s.opts, s.name, "", types.CurrentVdiID, true)
	if err != nil {
		return fmt.Errorf("reload inode: %w", err)
	}

	buf := make([]byte, InodeSize)
	if err := readObject(s.conn, types.VdiObjectID(vid), buf, 0, uint32(s.inode.Copies)); err != nil {
		return fmt.Errorf("reload inode %s: %w", vid, err)
	}

	ino, err := UnmarshalInode(buf)
	if err != nil {
		return fmt.Errorf("reload inode %s: %w", vid, err)
	}

	s.inode = ino
	return nil
}

// Close 释放锁并关闭长连接。
// VDI_NOT_LOCKED 等价于成功 (释放是幂等的)；
// 其他失败只记日志，连接无论如何都会关掉。
func (s *Session) Close() error {
	defer s.conn.Close()

	req := proto.VdiReq{
		Opcode: proto.OpReleaseVdi,
		VdiID:  uint32(s.inode.Vid),
	}
	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)

	rspBuf, _, err := s.conn.Exchange(hdr, nil, nil)
	if err != nil {
		slog.Warn("release vdi failed", "vdi", s.name, "err", err)
		return nil
	}

	rsp := proto.UnmarshalVdiRsp(rspBuf)
	if rsp.Result != proto.ResSuccess && rsp.Result != proto.ResVdiNotLocked {
		slog.Warn("release vdi failed", "vdi", s.name, "result", rsp.Result.String())
	}
	return nil
}

// --- 访问器 ---------------------------------------------------------

func (s *Session) Name() string     { return s.name }
func (s *Session) Inode() *Inode    { return s.inode }
func (s *Session) ReadOnly() bool   { return s.readonly }
func (s *Session) Writeback() bool  { return s.opts.Writeback }
func (s *Session) Size() uint64     { return s.inode.Size }
func (s *Session) Vid() types.VdiID { return s.inode.Vid }

// MarkDirty 把 idx 并进脏区间
func (s *Session) MarkDirty(idx uint32) {
	s.minDirty = min(s.minDirty, idx)
	s.maxDirty = max(s.maxDirty, idx)
}

// DirtyRange 返回当前脏区间；空区间时 ok=false
func (s *Session) DirtyRange() (lo, hi uint32, ok bool) {
	if s.minDirty == math.MaxUint32 {
		return 0, 0, false
	}
	return s.minDirty, s.maxDirty, true
}

func (s *Session) resetDirty() {
	s.minDirty = math.MaxUint32
	s.maxDirty = 0
}

// --- 对象级原语 ------------------------------------------------------

// ReadObject 在会话的长连接上读一个对象的 [offset, offset+len(buf))
func (s *Session) ReadObject(oid types.ObjectID, buf []byte, offset uint64, copies uint32) error {
	return readObject(s.conn, oid, buf, offset, copies)
}

// WriteObject 在会话的长连接上写一个对象。
// create=true 且 cowOid 非零时是 COW 写：服务端先从 cowOid 拷贝再落盘。
// 返回的 needReload=true 意味着服务端认为我们的 inode 过期了 (READONLY)，
// 数据没有写入，调用方应当 Reload 后原样重试一次。
func (s *Session) WriteObject(oid types.ObjectID, data []byte, offset uint64,
	copies uint32, create bool, cowOid types.ObjectID, flags proto.Flags) (bool, error) {

	var needReload bool
	err := readWriteObject(s.conn, oid, data, offset, copies, true, create, cowOid, flags, &needReload)
	return needReload, err
}

// UpdateInode 把整个 inode 作为一次覆盖写持久化到它的元数据对象。
// (整对象覆盖，不做部分更新。) 成功后脏区间清空，失败时保留。
// inode 对象上的 READONLY 在这里是硬错误，不走 reload 重试：
// 元数据没落盘，调用方必须把本次传输报告为失败。
func (s *Session) UpdateInode() error {
	oid := types.VdiObjectID(s.inode.Vid)
	err := readWriteObject(s.conn, oid, s.inode.Marshal(), 0,
		uint32(s.inode.Copies), true, false, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("sync inode failed: %w", err)
	}
	s.resetDirty()
	return nil
}

// Flush 让服务端把这个 VDI 的缓存刷下去。
// INVALID_PARMS 表示服务端根本没有对象缓存，等价于成功。
func (s *Session) Flush() error {
	req := proto.ObjReq{
		Opcode: proto.OpFlushVdi,
		Oid:    types.VdiObjectID(s.inode.Vid),
	}
	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)

	rspBuf, _, err := s.conn.Exchange(hdr, nil, nil)
	if err != nil {
		return err
	}

	switch rsp := proto.UnmarshalObjRsp(rspBuf); rsp.Result {
	case proto.ResSuccess, proto.ResInvalidParms:
		return nil
	default:
		return fmt.Errorf("flush vdi %s: %w", s.name, rsp.Result.Err())
	}
}

// DiscardObject 让服务端丢弃一个完整的数据对象。
// 结果码不在这里解释，由调用方决定哪些算成功。
func (s *Session) DiscardObject(oid types.ObjectID) error {
	req := proto.ObjReq{
		Opcode: proto.OpDiscardObj,
		Oid:    oid,
		Copies: uint32(s.inode.Copies),
	}
	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)

	rspBuf, _, err := s.conn.Exchange(hdr, nil, nil)
	if err != nil {
		return err
	}
	if err := proto.UnmarshalObjRsp(rspBuf).Result.Err(); err != nil {
		return fmt.Errorf("discard oid %s: %w", oid, err)
	}
	return nil
}

// readObject / readWriteObject 是对象请求的公共底座，
// 会话内外 (Inspect 走临时连接) 共用。
func readObject(c *client.Conn, oid types.ObjectID, buf []byte, offset uint64, copies uint32) error {
	return readWriteObject(c, oid, buf, offset, copies, false, false, 0, 0, nil)
}

func readWriteObject(c *client.Conn, oid types.ObjectID, buf []byte, offset uint64,
	copies uint32, write, create bool, cowOid types.ObjectID, flags proto.Flags,
	needReload *bool) error {

	req := proto.ObjReq{
		Oid:     oid,
		Copies:  copies,
		Offset:  offset,
		DataLen: uint32(len(buf)),
		Flags:   flags,
	}

	var payloadOut, payloadIn []byte
	if write {
		req.Flags |= proto.FlagWrite
		payloadOut = buf
		if create {
			req.Opcode = proto.OpCreateAndWriteObj
			req.CowOid = cowOid
		} else {
			req.Opcode = proto.OpWriteObj
		}
	} else {
		req.Opcode = proto.OpReadObj
		payloadIn = buf
	}

	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)

	rspBuf, _, err := c.Exchange(hdr, payloadOut, payloadIn)
	if err != nil {
		return fmt.Errorf("failed to send a request: %w", err)
	}

	switch rsp := proto.UnmarshalObjRsp(rspBuf); rsp.Result {
	case proto.ResSuccess:
		return nil
	case proto.ResReadonly:
		if needReload != nil {
			*needReload = true
			return nil
		}
		fallthrough
	default:
		return fmt.Errorf("oid %s (cow_oid %s): %w", oid, cowOid, rsp.Result.Err())
	}
}
