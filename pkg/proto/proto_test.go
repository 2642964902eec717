package proto

import (
	"errors"
	"fmt"
	"testing"

	"sheepvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_Descriptions(t *testing.T) {
	assert.Equal(t, "Success", ResSuccess.String())
	assert.Equal(t, "Object is read-only", ResReadonly.String())
	assert.Equal(t, "VDI isn't locked", ResVdiNotLocked.String())

	// 表外的码统一渲染成固定文案，不 panic
	assert.Equal(t, "Invalid error code", Result(0xFF).String())
}

func TestResult_Err(t *testing.T) {
	require.NoError(t, ResSuccess.Err())

	err := ResNoVdi.Err()
	require.Error(t, err)

	// errors.Is 能按结果码匹配
	assert.True(t, errors.Is(err, &Error{Result: ResNoVdi}))
	assert.False(t, errors.Is(err, &Error{Result: ResVdiLocked}))

	// 包一层之后仍然能匹配 (库里到处都是 %w)
	wrapped := fmt.Errorf("lock vdi: %w", err)
	assert.True(t, errors.Is(wrapped, &Error{Result: ResNoVdi}))

	var pe *Error
	require.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, ResNoVdi, pe.Result)
}

func TestCodec_ObjReqLayout(t *testing.T) {
	req := ObjReq{
		Opcode:  OpCreateAndWriteObj,
		Flags:   FlagWrite | FlagCOW,
		Epoch:   3,
		ID:      0x11223344,
		DataLen: 4096,
		Oid:     types.DataObjectID(0x7c, 9),
		CowOid:  types.DataObjectID(0x2b, 9),
		Copies:  2,
		Offset:  512,
	}

	var b [HdrSize]byte
	req.Marshal(b[:])

	// 逐字节核对关键位置 (LE)
	assert.Equal(t, byte(ProtoVersion), b[0])
	assert.Equal(t, byte(0x01), b[1])
	assert.Equal(t, byte(0x03), b[2], "flags 低字节 = WRITE|COW")
	assert.Equal(t, byte(0x44), b[8], "request id 低字节")
	assert.Equal(t, byte(0x09), b[16], "oid 低字节 = idx")
	assert.Equal(t, byte(0x7c), b[20], "oid 的 vid 起始于第 32 位")
	assert.Equal(t, byte(0x02), b[32], "copies")
	assert.Equal(t, byte(0x00), b[33])
	assert.Equal(t, byte(0x00), b[40], "offset = 512, LE 低字节为 0")
	assert.Equal(t, byte(0x02), b[41], "offset = 512, LE 第二字节为 0x02")

	back := UnmarshalObjReq(b[:])
	assert.Equal(t, req, back)
}

func TestCodec_VdiReqRoundTrip(t *testing.T) {
	req := VdiReq{
		Opcode:  OpLockVdi,
		Flags:   FlagWrite,
		ID:      7,
		DataLen: types.MaxVdiNameLen + types.MaxVdiTagLen,
		VdiSize: 16 << 20,
		VdiID:   0xabcdef,
		Copies:  3,
		SnapID:  types.CurrentVdiID,
	}

	var b [HdrSize]byte
	req.Marshal(b[:])
	assert.Equal(t, req, UnmarshalVdiReq(b[:]))
}

func TestCodec_RspSpecializations(t *testing.T) {
	vr := VdiRsp{
		Rsp: Rsp{
			Proto:   ProtoVersion,
			Opcode:  OpLockVdi,
			DataLen: 0,
			Result:  ResSuccess,
		},
		VdiID: 0x00fd32,
	}

	var b [HdrSize]byte
	vr.Marshal(b[:])

	// 通用解码只看得到 result
	g := UnmarshalRsp(b[:])
	assert.Equal(t, ResSuccess, g.Result)

	// 专用解码拿得到 vdi_id ([24:28])
	assert.Equal(t, uint32(0x00fd32), UnmarshalVdiRsp(b[:]).VdiID)

	or := ObjRsp{Rsp: Rsp{Proto: ProtoVersion, Result: ResReadonly}, Copies: 2}
	or.Marshal(b[:])
	assert.Equal(t, uint32(2), UnmarshalObjRsp(b[:]).Copies)
	assert.Equal(t, ResReadonly, UnmarshalObjRsp(b[:]).Result)
}

func TestCodec_RejectsBadVersion(t *testing.T) {
	var b [HdrSize]byte
	b[0] = 0x7F

	_, err := UnmarshalReqHdr(b[:])
	assert.Error(t, err)
}
