// pkg/types/oid.go
package types

import "fmt"

// 对象空间的布局常量 (64-bit ObjectID):
//
//	 0 - 19 (20 bits): 数据对象的 index 空间
//	20 - 31 (12 bits): 保留的数据对象空间
//	32 - 55 (24 bits): VDI id 空间
//	56 - 59 ( 4 bits): 保留的 VDI 空间
//	60 - 63 ( 4 bits): 对象类型标记位
const (
	VdiSpaceShift = 32

	// 类型标记位：VdiBit = inode (元数据) 对象，VMStateBit = 虚拟机状态对象。
	// 两者都不置位 = 普通数据对象。三者互斥。
	VdiBit     = ObjectID(1) << 63
	VMStateBit = ObjectID(1) << 62

	MaxDataObjs = 1 << 20 // 每个 VDI 最多 2^20 个数据对象
	MaxChildren = 1024

	MaxVdiNameLen = 256
	MaxVdiTagLen  = 256
	NrVdis        = 1 << 24 // VDI id 是 24 位的

	DataObjShift = 22
	DataObjSize  = uint64(1) << DataObjShift // 4 MiB
	MaxVdiSize   = DataObjSize * MaxDataObjs

	SectorSize = 512
)

// CurrentVdiID 作为 snapshot id 传入时表示“当前可写的那个 VDI”
const CurrentVdiID = uint32(0)

// VdiID 是一个 VDI (虚拟磁盘镜像) 的 24 位 id。
// 它同时也是“所有权”的单位：inode 的 OwnerOf 表里记录的就是 VdiID。
type VdiID uint32

// ObjectID 是集群里一个对象的全局唯一 64 位地址。
// 注意：这是纯粹的位运算编码，必须和服务端的布局逐位一致。
type ObjectID uint64

// DataObjectID 编码一个数据对象的地址 (类型位全 0)
func DataObjectID(vid VdiID, idx uint32) ObjectID {
	return ObjectID(uint64(vid)<<VdiSpaceShift | uint64(idx))
}

// VdiObjectID 编码一个 VDI 的 inode (元数据) 对象地址
// inode 对象没有 index，低 20 位恒为 0。
func VdiObjectID(vid VdiID) ObjectID {
	return VdiBit | ObjectID(uint64(vid)<<VdiSpaceShift)
}

// VMStateObjectID 编码虚拟机状态对象的地址
func VMStateObjectID(vid VdiID, idx uint32) ObjectID {
	return VMStateBit | ObjectID(uint64(vid)<<VdiSpaceShift|uint64(idx))
}

// IsData 判断是否为数据对象 (VdiBit 没置位)
func (o ObjectID) IsData() bool { return o&VdiBit == 0 }

// Index 取出低 20 位的数据对象 index
func (o ObjectID) Index() uint32 { return uint32(o & (MaxDataObjs - 1)) }

// Vid 取出 32-55 位的归属 VDI id
func (o ObjectID) Vid() VdiID {
	return VdiID((o >> VdiSpaceShift) & (NrVdis - 1))
}

func (o ObjectID) String() string { return fmt.Sprintf("%016x", uint64(o)) }

func (v VdiID) String() string { return fmt.Sprintf("%06x", uint32(v)) }
