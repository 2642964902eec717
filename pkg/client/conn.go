// pkg/client/conn.go
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"sheepvault/pkg/proto"
)

var (
	// ErrConnClosed: 对端在一次交换中途关闭了连接。
	// 注意：读到 0 字节永远是错误，绝不能当成功处理。
	ErrConnClosed = errors.New("connection is closed")
)

// Conn 封装了到一个存储节点的 TCP 连接。
//
// 协议是严格的一问一答：同一条连接上同时只允许一个在途请求，
// 串行化是调用方的责任 (每个设备有且只有一个 worker，天然满足)。
type Conn struct {
	c      net.Conn
	nextID atomic.Uint32

	// ioTimeout > 0 时每次交换前设置 deadline。
	// 参考实现没有超时 (对端挂死会永久阻塞 worker)，默认保持 0。
	ioTimeout time.Duration
}

// Options 控制拨号和交换的行为
type Options struct {
	DialTimeout time.Duration // 0 = 系统默认
	IOTimeout   time.Duration // 0 = 不设 deadline
}

// Dial 建立到 addr ("host:port") 的连接
func Dial(addr string, opts Options) (*Conn, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Conn{c: c, ioTimeout: opts.IOTimeout}, nil
}

// Exchange 执行一次完整的请求-响应交换。
//
//	hdr        48 字节的请求头 (本方法会把 request id 盖进 [8:12])
//	payloadOut 跟在头后面一起发出的写数据，可以为 nil
//	payloadIn  接收缓冲；实际读取 min(rsp.DataLen, len(payloadIn)) 字节
//
// 返回原始的 48 字节响应头 (由调用方按 opcode 解专用字段) 和实际读到的
// payload 字节数。任何传输层错误都意味着这条连接不能再用了。
func (c *Conn) Exchange(hdr []byte, payloadOut, payloadIn []byte) ([]byte, int, error) {
	if len(hdr) != proto.HdrSize {
		return nil, 0, fmt.Errorf("request header must be %d bytes, got %d", proto.HdrSize, len(hdr))
	}

	// 每条连接独立的单调递增 id，服务端原样回显。
	// 协议没有 pipelining，这个 id 只用于日志对账。
	id := c.nextID.Add(1)
	hdr[8] = byte(id)
	hdr[9] = byte(id >> 8)
	hdr[10] = byte(id >> 16)
	hdr[11] = byte(id >> 24)

	if c.ioTimeout > 0 {
		if err := c.c.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
			return nil, 0, err
		}
	}

	// --- 发送 ---
	// net.Buffers 走 writev：头和 payload 作为一个逻辑消息发出，
	// 短写时由 WriteTo 自己从第一个未发出的字节续传。
	if err := c.send(hdr, payloadOut); err != nil {
		return nil, 0, err
	}

	// --- 接收 ---
	rsp := make([]byte, proto.HdrSize)
	if err := c.readFull(rsp); err != nil {
		return nil, 0, fmt.Errorf("failed to get a rsp: %w", err)
	}

	dataLen := int(proto.UnmarshalRsp(rsp).DataLen)
	rlen := min(dataLen, len(payloadIn))
	if rlen > 0 {
		if err := c.readFull(payloadIn[:rlen]); err != nil {
			return nil, 0, fmt.Errorf("failed to get the data: %w", err)
		}
	}

	return rsp, rlen, nil
}

func (c *Conn) send(hdr, payload []byte) error {
	bufs := net.Buffers{hdr}
	if len(payload) > 0 {
		bufs = append(bufs, payload)
	}
	want := int64(len(hdr) + len(payload))

	n, err := bufs.WriteTo(c.c)
	if err != nil {
		return fmt.Errorf("failed to send a req: %w", err)
	}
	if n < want {
		return fmt.Errorf("failed to send a req: short write (%d/%d bytes)", n, want)
	}
	return nil
}

// readFull 读满 buf。读到 EOF 说明对端关了连接，这是硬错误。
func (c *Conn) readFull(buf []byte) error {
	n, err := io.ReadFull(c.c, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w (%d bytes left)", ErrConnClosed, len(buf)-n)
	}
	return err
}

func (c *Conn) Close() error {
	if c.c != nil {
		return c.c.Close()
	}
	return nil
}
