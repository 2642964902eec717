// pkg/proto/codec.go
// 固定头的手工编解码。
// 字节序：全部显式 Little-Endian。参考实现直接按宿主机内存布局发结构体，
// 只能在同构的两端互通；我们选定 LE 并写死在这里，两端都用本包就不会错。
package proto

import (
	"encoding/binary"
	"fmt"

	"sheepvault/pkg/types"
)

// HdrSize 是请求头和响应头共同的固定长度
const HdrSize = 48

// 公共头布局 (请求/响应一致):
//
//	[0]     proto_ver
//	[1]     opcode
//	[2:4]   flags
//	[4:8]   epoch
//	[8:12]  id
//	[12:16] data_length
//	[16:48] 8 x u32 跟 opcode 相关的字段 (响应的第一个字是 result)

// ObjReq 是对象读写请求的专用头
type ObjReq struct {
	Opcode  Opcode
	Flags   Flags
	Epoch   uint32
	ID      uint32
	DataLen uint32

	Oid    types.ObjectID
	CowOid types.ObjectID // COW 的源对象，没有就是 0
	Copies uint32
	Offset uint64
}

func (r *ObjReq) Marshal(b []byte) {
	_ = b[:HdrSize]
	clear(b[:HdrSize])
	b[0] = ProtoVersion
	b[1] = byte(r.Opcode)
	binary.LittleEndian.PutUint16(b[2:4], uint16(r.Flags))
	binary.LittleEndian.PutUint32(b[4:8], r.Epoch)
	binary.LittleEndian.PutUint32(b[8:12], r.ID)
	binary.LittleEndian.PutUint32(b[12:16], r.DataLen)
	binary.LittleEndian.PutUint64(b[16:24], uint64(r.Oid))
	binary.LittleEndian.PutUint64(b[24:32], uint64(r.CowOid))
	binary.LittleEndian.PutUint32(b[32:36], r.Copies)
	// [36:40] 保留
	binary.LittleEndian.PutUint64(b[40:48], r.Offset)
}

// VdiReq 是 VDI 管理请求的专用头
type VdiReq struct {
	Opcode  Opcode
	Flags   Flags
	Epoch   uint32
	ID      uint32
	DataLen uint32

	VdiSize uint64
	VdiID   uint32
	Copies  uint32
	SnapID  uint32
}

func (r *VdiReq) Marshal(b []byte) {
	_ = b[:HdrSize]
	clear(b[:HdrSize])
	b[0] = ProtoVersion
	b[1] = byte(r.Opcode)
	binary.LittleEndian.PutUint16(b[2:4], uint16(r.Flags))
	binary.LittleEndian.PutUint32(b[4:8], r.Epoch)
	binary.LittleEndian.PutUint32(b[8:12], r.ID)
	binary.LittleEndian.PutUint32(b[12:16], r.DataLen)
	binary.LittleEndian.PutUint64(b[16:24], r.VdiSize)
	binary.LittleEndian.PutUint32(b[24:28], r.VdiID)
	binary.LittleEndian.PutUint32(b[28:32], r.Copies)
	binary.LittleEndian.PutUint32(b[32:36], r.SnapID)
	// [36:48] 填充
}

// Rsp 是通用响应头：只解到 Result 为止，
// 剩下的 28 字节由 ObjRsp / VdiRsp 按各自的含义再解一次。
type Rsp struct {
	Proto   uint8
	Opcode  Opcode
	Flags   Flags
	Epoch   uint32
	ID      uint32
	DataLen uint32
	Result  Result
}

func UnmarshalRsp(b []byte) Rsp {
	_ = b[:HdrSize]
	return Rsp{
		Proto:   b[0],
		Opcode:  Opcode(b[1]),
		Flags:   Flags(binary.LittleEndian.Uint16(b[2:4])),
		Epoch:   binary.LittleEndian.Uint32(b[4:8]),
		ID:      binary.LittleEndian.Uint32(b[8:12]),
		DataLen: binary.LittleEndian.Uint32(b[12:16]),
		Result:  Result(binary.LittleEndian.Uint32(b[16:20])),
	}
}

func (r *Rsp) Marshal(b []byte) {
	_ = b[:HdrSize]
	clear(b[:HdrSize])
	b[0] = r.Proto
	b[1] = byte(r.Opcode)
	binary.LittleEndian.PutUint16(b[2:4], uint16(r.Flags))
	binary.LittleEndian.PutUint32(b[4:8], r.Epoch)
	binary.LittleEndian.PutUint32(b[8:12], r.ID)
	binary.LittleEndian.PutUint32(b[12:16], r.DataLen)
	binary.LittleEndian.PutUint32(b[16:20], uint32(r.Result))
}

// ObjRsp 是对象操作的响应：result 之后跟一个 copies
type ObjRsp struct {
	Rsp
	Copies uint32
}

func UnmarshalObjRsp(b []byte) ObjRsp {
	return ObjRsp{
		Rsp:    UnmarshalRsp(b),
		Copies: binary.LittleEndian.Uint32(b[20:24]),
	}
}

func (r *ObjRsp) Marshal(b []byte) {
	r.Rsp.Marshal(b)
	binary.LittleEndian.PutUint32(b[20:24], r.Copies)
}

// VdiRsp 是 VDI 操作的响应：result, rsvd, vdi_id
type VdiRsp struct {
	Rsp
	VdiID uint32
}

func UnmarshalVdiRsp(b []byte) VdiRsp {
	return VdiRsp{
		Rsp:   UnmarshalRsp(b),
		VdiID: binary.LittleEndian.Uint32(b[24:28]),
	}
}

func (r *VdiRsp) Marshal(b []byte) {
	r.Rsp.Marshal(b)
	binary.LittleEndian.PutUint32(b[24:28], r.VdiID)
}

// 服务端用的请求解码 ------------------------------------------------

// ReqHdr 只解公共部分，分发器靠它选 handler
type ReqHdr struct {
	Proto   uint8
	Opcode  Opcode
	Flags   Flags
	Epoch   uint32
	ID      uint32
	DataLen uint32
}

func UnmarshalReqHdr(b []byte) (ReqHdr, error) {
	_ = b[:HdrSize]
	h := ReqHdr{
		Proto:   b[0],
		Opcode:  Opcode(b[1]),
		Flags:   Flags(binary.LittleEndian.Uint16(b[2:4])),
		Epoch:   binary.LittleEndian.Uint32(b[4:8]),
		ID:      binary.LittleEndian.Uint32(b[8:12]),
		DataLen: binary.LittleEndian.Uint32(b[12:16]),
	}
	if h.Proto != ProtoVersion {
		return h, fmt.Errorf("unsupported protocol version %#02x", h.Proto)
	}
	return h, nil
}

func UnmarshalObjReq(b []byte) ObjReq {
	_ = b[:HdrSize]
	return ObjReq{
		Opcode:  Opcode(b[1]),
		Flags:   Flags(binary.LittleEndian.Uint16(b[2:4])),
		Epoch:   binary.LittleEndian.Uint32(b[4:8]),
		ID:      binary.LittleEndian.Uint32(b[8:12]),
		DataLen: binary.LittleEndian.Uint32(b[12:16]),
		Oid:     types.ObjectID(binary.LittleEndian.Uint64(b[16:24])),
		CowOid:  types.ObjectID(binary.LittleEndian.Uint64(b[24:32])),
		Copies:  binary.LittleEndian.Uint32(b[32:36]),
		Offset:  binary.LittleEndian.Uint64(b[40:48]),
	}
}

func UnmarshalVdiReq(b []byte) VdiReq {
	_ = b[:HdrSize]
	return VdiReq{
		Opcode:  Opcode(b[1]),
		Flags:   Flags(binary.LittleEndian.Uint16(b[2:4])),
		Epoch:   binary.LittleEndian.Uint32(b[4:8]),
		ID:      binary.LittleEndian.Uint32(b[8:12]),
		DataLen: binary.LittleEndian.Uint32(b[12:16]),
		VdiSize: binary.LittleEndian.Uint64(b[16:24]),
		VdiID:   binary.LittleEndian.Uint32(b[24:28]),
		Copies:  binary.LittleEndian.Uint32(b[28:32]),
		SnapID:  binary.LittleEndian.Uint32(b[32:36]),
	}
}
