// pkg/app/app.go
package app

import (
	"fmt"
	"net"
	"strconv"

	"sheepvault/pkg/vdi"

	"github.com/spf13/viper"
)

// App 是 CLI 的依赖容器 (Dependency Container)
// 命令只从这里拿已经组装好的配置，不直接碰 Viper
type App struct {
	// Options 是所有会话/集群操作共用的连接配置
	Options vdi.Options
}

// NewApp 是工厂函数，负责把 Viper 里的散装配置组装成可用的对象
// 它遵循 Viper 的配置，但不知道具体的 CLI 命令
func NewApp() (*App, error) {
	addr := viper.GetString("cluster.address")
	if addr == "" {
		return nil, fmt.Errorf("cluster address not set")
	}
	port := viper.GetInt("cluster.port")
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid cluster port: %d", port)
	}

	opts := vdi.Options{
		Addr:        net.JoinHostPort(addr, strconv.Itoa(port)),
		DialTimeout: viper.GetDuration("io.dial_timeout"),
		IOTimeout:   viper.GetDuration("io.timeout"),
		Writeback:   viper.GetBool("io.writeback"),
	}

	return &App{Options: opts}, nil
}
