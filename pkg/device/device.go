// pkg/device/device.go
// 块设备视图：把任意 (offset, length) 的字节区间翻译成对固定大小
// 数据对象的逐个读写，处理 COW、稀疏读补零、脏表跟踪和 inode 持久化。
package device

import (
	"errors"
	"fmt"

	"sheepvault/pkg/proto"
	"sheepvault/pkg/types"
	"sheepvault/pkg/vdi"
)

var (
	ErrOutOfRange = errors.New("transfer exceeds vdi size")
	ErrNegative   = errors.New("negative offset")
)

// Device 在一个 vdi.Session 之上提供 ReadAt/WriteAt/Flush/Discard。
//
// 不是并发安全的：一个设备由一个 worker 串行驱动，设计上不存在并发访问，
// 所以这里没有锁。如果以后允许多 worker，OwnerOf 的“先认领再发请求”
// 必须改成对其他写者原子可见。
type Device struct {
	s *vdi.Session
}

// Open 打开当前可写的 VDI
func Open(opts vdi.Options, name string) (*Device, error) {
	s, err := vdi.Open(opts, name)
	if err != nil {
		return nil, err
	}
	return &Device{s: s}, nil
}

// OpenSnapshot 只读打开一个快照
func OpenSnapshot(opts vdi.Options, name, tag string, snapID uint32) (*Device, error) {
	s, err := vdi.OpenSnapshot(opts, name, tag, snapID)
	if err != nil {
		return nil, err
	}
	return &Device{s: s}, nil
}

// Session 暴露底层会话 (诊断用)
func (d *Device) Session() *vdi.Session { return d.s }

// Size 是设备的字节大小 (inode 里声明的，不是对象容量推出来的)
func (d *Device) Size() int64 { return int64(d.s.Size()) }

func (d *Device) Close() error { return d.s.Close() }

// ReadAt 读 [off, off+len(p))。
// 没分配过的对象 (OwnerOf==0) 直接补零，一次网络交换都不发。
func (d *Device) ReadAt(p []byte, off int64) error {
	return d.transfer(false, p, off)
}

// WriteAt 写 [off, off+len(p))。
func (d *Device) WriteAt(p []byte, off int64) error {
	if d.s.ReadOnly() {
		return vdi.ErrReadOnlyVdi
	}
	return d.transfer(true, p, off)
}

// transfer 是核心循环：把字节区间按 4 MiB 对象切开，逐个下发。
// 任何一个对象操作失败都立刻终止整个传输，不做部分成功续跑。
func (d *Device) transfer(write bool, buf []byte, off int64) error {
	if off < 0 {
		return ErrNegative
	}
	if len(buf) == 0 {
		return nil
	}
	length := uint64(len(buf))
	offset := uint64(off)
	if offset+length > d.s.Size() {
		return fmt.Errorf("%w: [%d, %d) > %d", ErrOutOfRange, offset, offset+length, d.s.Size())
	}

	idx := uint32(offset / types.DataObjSize)
	end := uint32((offset + length + types.DataObjSize - 1) / types.DataObjSize)
	objOffset := offset % types.DataObjSize
	rest := length

	needUpdateInode := false

	for ; idx < end; idx++ {
		size := min(types.DataObjSize-objOffset, rest)
		seg := buf[length-rest : length-rest+size]

		var err error
		if write {
			var created bool
			created, err = d.writeIndex(idx, seg, objOffset)
			needUpdateInode = needUpdateInode || created
		} else {
			err = d.readIndex(idx, seg, objOffset)
		}
		if err != nil {
			return fmt.Errorf("idx %d: %w", idx, err)
		}

		rest -= size
		objOffset = 0
	}

	// 这次传输新建过对象才需要持久化 inode。整对象覆盖写一次搞定。
	// 这里失败要如实上报：数据对象已经写进去了，但所有权表没落盘，
	// 调用方必须把这次写入的持久性当作未确认。
	if needUpdateInode {
		return d.s.UpdateInode()
	}
	return nil
}

// writeIndex 写第 idx 个对象的一个分片。
// 返回这次是否新建了对象 (决定之后要不要持久化 inode)。
func (d *Device) writeIndex(idx uint32, seg []byte, objOffset uint64) (bool, error) {
	ino := d.s.Inode()
	created := false

	// READONLY (inode 过期) 只允许 reload+重试一次，绝不无限循环
	for attempt := 0; ; attempt++ {
		ino = d.s.Inode() // Reload 之后换了新 inode
		vid := ino.Vid
		owner := ino.OwnerOf[idx]

		oid := types.DataObjectID(owner, idx)
		var cowOid types.ObjectID
		var flags proto.Flags
		create := false

		if owner != vid {
			// 不是自己的对象：必须 create；继承来的还要 COW
			create = true
			if owner != 0 {
				cowOid = oid
				flags |= proto.FlagCOW
			}
			oid = types.DataObjectID(vid, idx)

			// 先认领所有权、扩脏区间，再发请求。
			// 请求失败时内存里会留下未持久化的认领，会话随错误废弃。
			d.s.MarkDirty(idx)
			ino.OwnerOf[idx] = vid
		}

		if d.s.Writeback() {
			flags |= proto.FlagCache
		}

		needReload, err := d.s.WriteObject(oid, seg, objOffset, uint32(ino.Copies), create, cowOid, flags)
		if err != nil {
			return created, err
		}
		if !needReload {
			created = created || create
			return created, nil
		}

		if attempt >= 1 {
			return created, fmt.Errorf("oid %s: %w", oid,
				(&proto.Error{Result: proto.ResReadonly}))
		}
		if err := d.s.Reload(); err != nil {
			return created, err
		}
	}
}

// readIndex 读第 idx 个对象的一个分片
func (d *Device) readIndex(idx uint32, seg []byte, objOffset uint64) error {
	ino := d.s.Inode()
	owner := ino.OwnerOf[idx]

	// 稀疏读：从来没写过的区间就是零
	if owner == 0 {
		clear(seg)
		return nil
	}

	oid := types.DataObjectID(owner, idx)
	return d.s.ReadObject(oid, seg, objOffset, uint32(ino.Copies))
}

// Flush 下发一次缓存刷写控制请求。
// 服务端没有缓存层 (INVALID_PARMS) 时视为成功。
func (d *Device) Flush() error {
	return d.s.Flush()
}

// Discard 丢弃 [off, off+length) 完整覆盖的、且归本 VDI 所有的对象。
// 没对齐的头尾分片直接跳过 (对齐是调用方的责任)。
// NO_OBJ 视为成功 (对象本来就不在)。
func (d *Device) Discard(off, length int64) error {
	if d.s.ReadOnly() {
		return vdi.ErrReadOnlyVdi
	}
	if off < 0 || length < 0 {
		return ErrNegative
	}
	if uint64(off)+uint64(length) > d.s.Size() {
		return ErrOutOfRange
	}

	ino := d.s.Inode()
	vid := ino.Vid

	// 只处理被区间完整覆盖的 index
	first := (uint64(off) + types.DataObjSize - 1) / types.DataObjSize
	last := (uint64(off) + uint64(length)) / types.DataObjSize

	discarded := false
	for idx := uint32(first); uint64(idx) < last; idx++ {
		if ino.OwnerOf[idx] != vid {
			continue
		}

		oid := types.DataObjectID(vid, idx)
		if err := d.discardObject(oid); err != nil {
			return fmt.Errorf("idx %d: %w", idx, err)
		}

		ino.OwnerOf[idx] = 0
		d.s.MarkDirty(idx)
		discarded = true
	}

	if discarded {
		return d.s.UpdateInode()
	}
	return nil
}

func (d *Device) discardObject(oid types.ObjectID) error {
	err := d.s.DiscardObject(oid)
	if errors.Is(err, &proto.Error{Result: proto.ResNoObj}) {
		return nil
	}
	return err
}
