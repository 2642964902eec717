// pkg/vdi/inode.go
package vdi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"sheepvault/pkg/types"
)

// Inode 固定布局的各段大小。头部 4664 字节，后面紧跟 2^20 项的所有权表。
const (
	InodeHeaderSize = 4664
	InodeSize       = InodeHeaderSize + 4*types.MaxDataObjs
)

// Inode 是一个 VDI 的元数据对象，整个对象一次性读/写。
//
// OwnerOf 是核心：第 idx 项记录的是“当前第 idx 个数据对象归哪个 VDI 所有”。
//   - 0        = 从来没写过 (读到全零)
//   - == Vid   = 自己独占，可以直接覆盖写
//   - 其他非零 = 从祖先快照继承来的，写之前必须 COW
type Inode struct {
	Name string // ≤ 256 字节
	Tag  string // ≤ 256 字节

	CreateTime  uint64
	SnapCtime   uint64
	VMClockNsec uint64
	Size        uint64 // 虚拟盘的字节大小
	VMStateSize uint64

	CopyPolicy     uint16
	Copies         uint8 // 副本数，随每个对象请求带给服务端
	BlockSizeShift uint8

	SnapID uint32
	Vid    types.VdiID
	Parent types.VdiID

	Children []types.VdiID // 固定 1024 项
	OwnerOf  []types.VdiID // 固定 2^20 项
}

// NewInode 构造一张全新的 (没有任何数据对象的) inode
func NewInode(name string, vid types.VdiID, size uint64, copies uint8) *Inode {
	return &Inode{
		Name:           name,
		Size:           size,
		Copies:         copies,
		BlockSizeShift: types.DataObjShift,
		Vid:            vid,
		Children:       make([]types.VdiID, types.MaxChildren),
		OwnerOf:        make([]types.VdiID, types.MaxDataObjs),
	}
}

// OwnsIndex: 第 idx 个数据对象是否归本 VDI 独占 (可以原地覆盖写)
func (ino *Inode) OwnsIndex(idx uint32) bool {
	return ino.OwnerOf[idx] == ino.Vid
}

// Marshal 序列化成服务端存储的固定布局 (LE)
func (ino *Inode) Marshal() []byte {
	b := make([]byte, InodeSize)

	copy(b[0:types.MaxVdiNameLen], ino.Name)
	copy(b[types.MaxVdiNameLen:512], ino.Tag)

	binary.LittleEndian.PutUint64(b[512:520], ino.CreateTime)
	binary.LittleEndian.PutUint64(b[520:528], ino.SnapCtime)
	binary.LittleEndian.PutUint64(b[528:536], ino.VMClockNsec)
	binary.LittleEndian.PutUint64(b[536:544], ino.Size)
	binary.LittleEndian.PutUint64(b[544:552], ino.VMStateSize)
	binary.LittleEndian.PutUint16(b[552:554], ino.CopyPolicy)
	b[554] = ino.Copies
	b[555] = ino.BlockSizeShift
	binary.LittleEndian.PutUint32(b[556:560], ino.SnapID)
	binary.LittleEndian.PutUint32(b[560:564], uint32(ino.Vid))
	binary.LittleEndian.PutUint32(b[564:568], uint32(ino.Parent))

	off := 568
	for i := 0; i < types.MaxChildren; i++ {
		var v types.VdiID
		if i < len(ino.Children) {
			v = ino.Children[i]
		}
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(v))
		off += 4
	}

	// off == InodeHeaderSize
	for i := 0; i < types.MaxDataObjs; i++ {
		var v types.VdiID
		if i < len(ino.OwnerOf) {
			v = ino.OwnerOf[i]
		}
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(v))
		off += 4
	}

	return b
}

// UnmarshalInode 从固定布局还原
func UnmarshalInode(b []byte) (*Inode, error) {
	if len(b) < InodeSize {
		return nil, fmt.Errorf("inode object too short: %d < %d bytes", len(b), InodeSize)
	}

	ino := &Inode{
		Name:           cstr(b[0:types.MaxVdiNameLen]),
		Tag:            cstr(b[types.MaxVdiNameLen:512]),
		CreateTime:     binary.LittleEndian.Uint64(b[512:520]),
		SnapCtime:      binary.LittleEndian.Uint64(b[520:528]),
		VMClockNsec:    binary.LittleEndian.Uint64(b[528:536]),
		Size:           binary.LittleEndian.Uint64(b[536:544]),
		VMStateSize:    binary.LittleEndian.Uint64(b[544:552]),
		CopyPolicy:     binary.LittleEndian.Uint16(b[552:554]),
		Copies:         b[554],
		BlockSizeShift: b[555],
		SnapID:         binary.LittleEndian.Uint32(b[556:560]),
		Vid:            types.VdiID(binary.LittleEndian.Uint32(b[560:564])),
		Parent:         types.VdiID(binary.LittleEndian.Uint32(b[564:568])),
		Children:       make([]types.VdiID, types.MaxChildren),
		OwnerOf:        make([]types.VdiID, types.MaxDataObjs),
	}

	off := 568
	for i := range ino.Children {
		ino.Children[i] = types.VdiID(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
	}
	for i := range ino.OwnerOf {
		ino.OwnerOf[i] = types.VdiID(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
	}

	return ino, nil
}

// cstr 截断到第一个 NUL (固定长度字段的惯例)
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
