// pkg/sheeptest/disk.go
package sheeptest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"sheepvault/pkg/types"
)

// DiskStore 把对象落到本地文件系统 (lamb 守护进程用的后端)
type DiskStore struct {
	rootPath string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object store dir: %w", err)
	}
	return &DiskStore{rootPath: root}, nil
}

// layout 返回 oid 对应的物理路径
// 策略：oid 十六进制的前 2 个字符作为子目录 (Sharding)
// Example: oid 0x8000007c00000000 -> root/80/00007c00000000
func (s *DiskStore) layout(oid types.ObjectID) string {
	hex := oid.String()
	return filepath.Join(s.rootPath, hex[:2], hex[2:])
}

func (s *DiskStore) Get(ctx context.Context, oid types.ObjectID) ([]byte, error) {
	data, err := os.ReadFile(s.layout(oid))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *DiskStore) Put(ctx context.Context, oid types.ObjectID, data []byte) error {
	targetPath := s.layout(oid)

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 原子写入：先写临时文件再 Rename。
	// 保证对象文件要么不存在，要么是完整的。
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return err
	}
	tempFile.Close() // 必须先关闭才能 Rename

	return os.Rename(tempFile.Name(), targetPath)
}

func (s *DiskStore) Has(ctx context.Context, oid types.ObjectID) (bool, error) {
	_, err := os.Stat(s.layout(oid))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *DiskStore) Delete(ctx context.Context, oid types.ObjectID) error {
	err := os.Remove(s.layout(oid))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}
