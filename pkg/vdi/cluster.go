// pkg/vdi/cluster.go
// 不依附于某个会话的集群管理操作，全部走临时连接。
package vdi

import (
	"errors"
	"fmt"

	"sheepvault/pkg/client"
	"sheepvault/pkg/proto"
	"sheepvault/pkg/types"
)

var ErrVdiTooLarge = errors.New("vdi size exceeds the maximum")

// Create 新建一个 VDI，返回服务端分配的 vid。
// copies=0 时用集群默认副本数。
func Create(opts Options, name string, size uint64, copies uint32) (types.VdiID, error) {
	if len(name) > types.MaxVdiNameLen {
		return 0, ErrNameTooLong
	}
	if size > types.MaxVdiSize {
		return 0, ErrVdiTooLarge
	}

	conn, err := client.Dial(opts.Addr, opts.connOptions())
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	payload := make([]byte, types.MaxVdiNameLen+types.MaxVdiTagLen)
	copy(payload, name)

	req := proto.VdiReq{
		Opcode:  proto.OpNewVdi,
		Flags:   proto.FlagWrite,
		DataLen: uint32(len(payload)),
		VdiSize: size,
		Copies:  copies,
	}
	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)

	rspBuf, _, err := conn.Exchange(hdr, payload, nil)
	if err != nil {
		return 0, err
	}

	rsp := proto.UnmarshalVdiRsp(rspBuf)
	if err := rsp.Result.Err(); err != nil {
		return 0, fmt.Errorf("create vdi %q: %w", name, err)
	}
	return types.VdiID(rsp.VdiID), nil
}

// Delete 删除一个 VDI (或它的某个快照，按 tag / snapID 指定)
func Delete(opts Options, name, tag string, snapID uint32) error {
	if len(name) > types.MaxVdiNameLen {
		return ErrNameTooLong
	}
	if len(tag) > types.MaxVdiTagLen {
		return ErrTagTooLong
	}

	conn, err := client.Dial(opts.Addr, opts.connOptions())
	if err != nil {
		return err
	}
	defer conn.Close()

	payload := make([]byte, types.MaxVdiNameLen+types.MaxVdiTagLen)
	copy(payload[0:types.MaxVdiNameLen], name)
	copy(payload[types.MaxVdiNameLen:], tag)

	req := proto.VdiReq{
		Opcode:  proto.OpDelVdi,
		Flags:   proto.FlagWrite,
		DataLen: uint32(len(payload)),
		SnapID:  snapID,
	}
	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)

	rspBuf, _, err := conn.Exchange(hdr, payload, nil)
	if err != nil {
		return err
	}

	if err := proto.UnmarshalVdiRsp(rspBuf).Result.Err(); err != nil {
		return fmt.Errorf("delete vdi %q: %w", name, err)
	}
	return nil
}

// List 返回集群里所有在用的 vid。
// 响应是一张 2^24 位的占用位图，这里解码成 id 列表。
func List(opts Options) ([]types.VdiID, error) {
	conn, err := client.Dial(opts.Addr, opts.connOptions())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	bitmap := make([]byte, types.NrVdis/8)

	req := proto.VdiReq{
		Opcode:  proto.OpReadVdis,
		DataLen: uint32(len(bitmap)),
	}
	hdr := make([]byte, proto.HdrSize)
	req.Marshal(hdr)

	rspBuf, rlen, err := conn.Exchange(hdr, nil, bitmap)
	if err != nil {
		return nil, err
	}
	if err := proto.UnmarshalVdiRsp(rspBuf).Result.Err(); err != nil {
		return nil, fmt.Errorf("read vdis: %w", err)
	}

	var vids []types.VdiID
	for byteIdx := 0; byteIdx < rlen; byteIdx++ {
		bits := bitmap[byteIdx]
		if bits == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if bits&(1<<bit) != 0 {
				vids = append(vids, types.VdiID(byteIdx*8+bit))
			}
		}
	}
	return vids, nil
}

// Inspect 不上锁地读取某个 vid 的 inode (给 list/info 这类只读场景用)
func Inspect(opts Options, vid types.VdiID) (*Inode, error) {
	conn, err := client.Dial(opts.Addr, opts.connOptions())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	buf := make([]byte, InodeSize)
	if err := readObject(conn, types.VdiObjectID(vid), buf, 0, 0); err != nil {
		return nil, fmt.Errorf("inspect vdi %s: %w", vid, err)
	}
	return UnmarshalInode(buf)
}
