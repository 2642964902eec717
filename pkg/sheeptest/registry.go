// pkg/sheeptest/registry.go
package sheeptest

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"sheepvault/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNoVdi     = errors.New("no vdi found")
	ErrNoTag     = errors.New("tag not found")
	ErrVdiExists = errors.New("vdi exists already")
	ErrVdiFull   = errors.New("vdi id space exhausted")
)

// VdiRecord 是 VDI 目录在 SQLite 里的投影。
// inode 本体是一个普通对象，存在对象表里；这张表只负责
// name/tag/snapid → vid 的解析和锁的归属。
type VdiRecord struct {
	Vid uint32 `gorm:"primaryKey;autoIncrement:false"`

	Name   string `gorm:"index;type:varchar(256);not null"`
	Tag    string `gorm:"type:varchar(256)"`
	SnapID uint32

	// Snapshot = true 表示这是一条不可写的历史快照
	Snapshot bool `gorm:"index"`

	Size   uint64
	Copies uint8

	// 是否被某个会话持有独占锁 (单节点，不记录持有者身份)
	Locked bool

	// 子 VDI 的 id 列表，JSON 数组
	Children datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (VdiRecord) TableName() string {
	return "vdis"
}

// Registry 封装所有对 VDI 目录的操作
type Registry struct {
	db *gorm.DB
}

var registrySeq atomic.Uint64

// NewRegistry 打开 (或创建) 注册表。
// path 为空时用进程内的共享内存库，每次调用互相隔离。
func NewRegistry(path string) (*Registry, error) {
	dsn := path
	if dsn == "" {
		// cache=shared：gorm 的连接池会开多条连接，不共享的话每条
		// 连接看到的都是一个空库
		dsn = fmt.Sprintf("file:sheeptest%d?mode=memory&cache=shared", registrySeq.Add(1))
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open vdi registry: %w", err)
	}

	if err := db.AutoMigrate(&VdiRecord{}); err != nil {
		return nil, fmt.Errorf("auto migration failed: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close 归还底层的数据库连接
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// allocVid 给一个新 VDI 分配 24 位 id：名字的 FNV 哈希起步，线性探测
func (r *Registry) allocVid(name string) (types.VdiID, error) {
	h := fnv.New32a()
	h.Write([]byte(name))
	start := h.Sum32() & (types.NrVdis - 1)
	if start == 0 {
		start = 1 // vid 0 保留 (OwnerOf 里 0 = 未分配)
	}

	vid := start
	for {
		var count int64
		if err := r.db.Model(&VdiRecord{}).Where("vid = ?", vid).Count(&count).Error; err != nil {
			return 0, err
		}
		if count == 0 {
			return types.VdiID(vid), nil
		}

		vid = (vid + 1) & (types.NrVdis - 1)
		if vid == 0 {
			vid = 1
		}
		if vid == start {
			return 0, ErrVdiFull
		}
	}
}

// Create 登记一个新的当前 VDI 并返回分配的 vid。
// 同名的当前 VDI 已存在时报 ErrVdiExists。
func (r *Registry) Create(name string, size uint64, copies uint8) (types.VdiID, error) {
	var count int64
	err := r.db.Model(&VdiRecord{}).
		Where("name = ? AND snapshot = ?", name, false).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, ErrVdiExists
	}

	vid, err := r.allocVid(name)
	if err != nil {
		return 0, err
	}

	rec := VdiRecord{
		Vid:    uint32(vid),
		Name:   name,
		SnapID: 1, // 当前 VDI 的 snap 序号永远比最新快照大 1
		Size:   size,
		Copies: copies,
	}
	if err := r.db.Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("failed to create vdi record: %w", err)
	}
	return vid, nil
}

// Current 找到 name 对应的当前 (可写) VDI
func (r *Registry) Current(name string) (*VdiRecord, error) {
	var rec VdiRecord
	err := r.db.Where("name = ? AND snapshot = ?", name, false).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoVdi
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Lookup 按 (name, tag, snapID) 解析：snapID 和 tag 都为空时等于 Current
func (r *Registry) Lookup(name, tag string, snapID uint32) (*VdiRecord, error) {
	if snapID == types.CurrentVdiID && tag == "" {
		return r.Current(name)
	}

	q := r.db.Where("name = ? AND snapshot = ?", name, true)
	if snapID != types.CurrentVdiID {
		q = q.Where("snap_id = ?", snapID)
	} else {
		q = q.Where("tag = ?", tag)
	}

	var rec VdiRecord
	err := q.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if tag != "" {
			return nil, ErrNoTag
		}
		return nil, ErrNoVdi
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ByVid 按 vid 直查
func (r *Registry) ByVid(vid types.VdiID) (*VdiRecord, error) {
	var rec VdiRecord
	err := r.db.Where("vid = ?", uint32(vid)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoVdi
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetLocked 改锁状态。返回更新前是否持锁。
func (r *Registry) SetLocked(vid types.VdiID, locked bool) (bool, error) {
	rec, err := r.ByVid(vid)
	if err != nil {
		return false, err
	}
	was := rec.Locked

	err = r.db.Model(&VdiRecord{}).Where("vid = ?", uint32(vid)).
		Update("locked", locked).Error
	return was, err
}

// Delete 删掉一条记录
func (r *Registry) Delete(vid types.VdiID) error {
	res := r.db.Where("vid = ?", uint32(vid)).Delete(&VdiRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoVdi
	}
	return nil
}

// MarkSnapshot 把一条当前 VDI 转成只读快照，并固定它的 snap 序号
func (r *Registry) MarkSnapshot(vid types.VdiID, tag string, snapID uint32) error {
	return r.db.Model(&VdiRecord{}).Where("vid = ?", uint32(vid)).
		Updates(map[string]any{"snapshot": true, "tag": tag, "snap_id": snapID, "locked": false}).Error
}

// AppendChild 在父记录的 Children JSON 数组里追加一个 vid
func (r *Registry) AppendChild(parent, child types.VdiID) error {
	rec, err := r.ByVid(parent)
	if err != nil {
		return err
	}

	var children []uint32
	if len(rec.Children) > 0 {
		if err := json.Unmarshal(rec.Children, &children); err != nil {
			return fmt.Errorf("corrupt children list for vid %s: %w", parent, err)
		}
	}
	if len(children) >= types.MaxChildren {
		return fmt.Errorf("vid %s already has %d children", parent, types.MaxChildren)
	}
	children = append(children, uint32(child))

	blob, err := json.Marshal(children)
	if err != nil {
		return err
	}
	return r.db.Model(&VdiRecord{}).Where("vid = ?", uint32(parent)).
		Update("children", datatypes.JSON(blob)).Error
}

// Vids 返回所有在用的 vid (READ_VDIS 的位图来源)
func (r *Registry) Vids() ([]types.VdiID, error) {
	var vids []uint32
	if err := r.db.Model(&VdiRecord{}).Order("vid").Pluck("vid", &vids).Error; err != nil {
		return nil, err
	}

	out := make([]types.VdiID, len(vids))
	for i, v := range vids {
		out[i] = types.VdiID(v)
	}
	return out, nil
}

// SnapshotCount 统计一个名字下已有的快照数 (分配 snap 序号用)
func (r *Registry) SnapshotCount(name string) (int64, error) {
	var count int64
	err := r.db.Model(&VdiRecord{}).
		Where("name = ? AND snapshot = ?", name, true).
		Count(&count).Error
	return count, err
}
