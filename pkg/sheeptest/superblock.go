// pkg/sheeptest/superblock.go
package sheeptest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Superblock 是节点的持久化身份：建库时间、epoch、集群级默认值。
// 每次启动 epoch +1 并写回，客户端请求头里的 epoch 就是对着它校验的
// (单节点实现只回显，不校验)。
type Superblock struct {
	Ctime          uint64 `cbor:"1,keyasint"`
	Epoch          uint32 `cbor:"2,keyasint"`
	Copies         uint8  `cbor:"3,keyasint"`
	BlockSizeShift uint8  `cbor:"4,keyasint"`
}

const superblockFile = "superblock.cbor"

func defaultSuperblock() *Superblock {
	return &Superblock{
		Ctime:          uint64(time.Now().Unix()),
		Epoch:          0,
		Copies:         1, // 单节点，多副本没有意义
		BlockSizeShift: 22,
	}
}

// LoadSuperblock 读取 dir 下的 superblock；不存在就造一个默认的 (还没落盘)
func LoadSuperblock(dir string) (*Superblock, error) {
	data, err := os.ReadFile(filepath.Join(dir, superblockFile))
	if os.IsNotExist(err) {
		return defaultSuperblock(), nil
	}
	if err != nil {
		return nil, err
	}

	var sb Superblock
	if err := cbor.Unmarshal(data, &sb); err != nil {
		return nil, fmt.Errorf("corrupt superblock: %w", err)
	}
	return &sb, nil
}

// Save 原子写回
func (sb *Superblock) Save(dir string) error {
	data, err := cbor.Marshal(sb)
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, superblockFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, superblockFile))
}
