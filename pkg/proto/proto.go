// pkg/proto/proto.go
// 集群的请求/响应线上协议：固定 48 字节的头 + 可选 payload。
// 这里只放协议本身的常量和错误码，编解码在 codec.go。
package proto

import "fmt"

const ProtoVersion = 0x01

// Opcode 是请求头的第二个字节
type Opcode uint8

const (
	// 对象操作 (0x04 被集群内部占用，客户端不会发)
	OpCreateAndWriteObj Opcode = 0x01
	OpReadObj           Opcode = 0x02
	OpWriteObj          Opcode = 0x03
	OpDiscardObj        Opcode = 0x05

	// VDI 操作
	OpNewVdi     Opcode = 0x11
	OpLockVdi    Opcode = 0x12
	OpReleaseVdi Opcode = 0x13
	OpGetVdiInfo Opcode = 0x14
	OpReadVdis   Opcode = 0x15
	OpFlushVdi   Opcode = 0x16
	OpDelVdi     Opcode = 0x17
)

var opcodeNames = map[Opcode]string{
	OpCreateAndWriteObj: "CREATE_AND_WRITE_OBJ",
	OpReadObj:           "READ_OBJ",
	OpWriteObj:          "WRITE_OBJ",
	OpDiscardObj:        "DISCARD_OBJ",
	OpNewVdi:            "NEW_VDI",
	OpLockVdi:           "LOCK_VDI",
	OpReleaseVdi:        "RELEASE_VDI",
	OpGetVdiInfo:        "GET_VDI_INFO",
	OpReadVdis:          "READ_VDIS",
	OpFlushVdi:          "FLUSH_VDI",
	OpDelVdi:            "DEL_VDI",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("OP_%#02x", uint8(o))
}

// Flags 是请求头里的 16 位标志位，可以按位组合
type Flags uint16

const (
	FlagWrite  Flags = 0x01 // 请求携带写数据
	FlagCOW    Flags = 0x02 // 先从 CowOid 拷贝再写 (Copy-On-Write)
	FlagCache  Flags = 0x04 // Writeback 缓存模式
	FlagDirect Flags = 0x08 // 绕过缓存
)

// Result 是响应头里的 32 位结果码
type Result uint32

const (
	ResSuccess       Result = 0x00
	ResUnknown       Result = 0x01
	ResNoObj         Result = 0x02
	ResEIO           Result = 0x03
	ResVdiExist      Result = 0x04
	ResInvalidParms  Result = 0x05
	ResSystemError   Result = 0x06
	ResVdiLocked     Result = 0x07
	ResNoVdi         Result = 0x08
	ResNoBaseVdi     Result = 0x09
	ResVdiRead       Result = 0x0A
	ResVdiWrite      Result = 0x0B
	ResBaseVdiRead   Result = 0x0C
	ResBaseVdiWrite  Result = 0x0D
	ResNoTag         Result = 0x0E
	ResStartup       Result = 0x0F
	ResVdiNotLocked  Result = 0x10
	ResShutdown      Result = 0x11
	ResNoMem         Result = 0x12
	ResFullVdi       Result = 0x13
	ResVerMismatch   Result = 0x14
	ResNoSpace       Result = 0x15
	ResWaitForFormat Result = 0x16
	ResWaitForJoin   Result = 0x17
	ResJoinFailed    Result = 0x18
	ResHalt          Result = 0x19
	ResReadonly      Result = 0x1A
)

// 每个结果码对应一段固定的诊断文案
var resultDescs = map[Result]string{
	ResSuccess:       "Success",
	ResUnknown:       "Unknown error",
	ResNoObj:         "No object found",
	ResEIO:           "I/O error",
	ResVdiExist:      "VDI exists already",
	ResInvalidParms:  "Invalid parameters",
	ResSystemError:   "System error",
	ResVdiLocked:     "VDI is already locked",
	ResNoVdi:         "No vdi found",
	ResNoBaseVdi:     "No base VDI found",
	ResVdiRead:       "Failed read the requested VDI",
	ResVdiWrite:      "Failed to write the requested VDI",
	ResBaseVdiRead:   "Failed to read the base VDI",
	ResBaseVdiWrite:  "Failed to write the base VDI",
	ResNoTag:         "Failed to find the requested tag",
	ResStartup:       "The system is still booting",
	ResVdiNotLocked:  "VDI isn't locked",
	ResShutdown:      "The system is shutting down",
	ResNoMem:         "Out of memory on the server",
	ResFullVdi:       "We already have the maximum vdis",
	ResVerMismatch:   "Protocol version mismatch",
	ResNoSpace:       "Server has no space for new objects",
	ResWaitForFormat: "Waiting for a format operation",
	ResWaitForJoin:   "Waiting for other nodes joining",
	ResJoinFailed:    "Target node had failed to join",
	ResHalt:          "IO has stopped serving",
	ResReadonly:      "Object is read-only",
}

func (r Result) String() string {
	if s, ok := resultDescs[r]; ok {
		return s
	}
	return "Invalid error code"
}

// Error 把一个非 Success 的结果码包装成 Go error。
// 支持 errors.Is(err, &proto.Error{Result: proto.ResNoVdi}) 这种匹配。
type Error struct {
	Result Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%#02x)", e.Result.String(), uint32(e.Result))
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Result == e.Result
}

// Err 是结果码检查的统一入口：Success 返回 nil，其余包成 *Error
func (r Result) Err() error {
	if r == ResSuccess {
		return nil
	}
	return &Error{Result: r}
}
