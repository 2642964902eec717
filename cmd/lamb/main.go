// lamb 是一个单节点的开发用存储守护进程。
// 它说的线协议和真集群一模一样，客户端 (sv, qemu 驱动) 分不出区别，
// 但是没有成员管理、没有复制——数据放本地盘 / 内存 / S3。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sheepvault/pkg/config"
	"sheepvault/pkg/sheeptest"

	"github.com/spf13/viper"
)

func main() {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is $HOME/.sv/config.yaml)")
	flag.Parse()

	setDefaults()
	if err := config.Load(*cfgFile); err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}

	// 2. Init Storage Backend
	ctx := context.Background()
	store, err := buildStore(ctx)
	if err != nil {
		log.Fatalf("❌ Failed to initialize storage: %v", err)
	}
	fmt.Printf("✅ Storage backend ready (%s).\n", viper.GetString("lamb.store"))

	// 3. Start Node
	dataDir := viper.GetString("lamb.data_dir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("❌ Failed to create data dir: %v", err)
	}

	node, err := sheeptest.Start(sheeptest.Config{
		Addr:         viper.GetString("lamb.listen"),
		Store:        store,
		RegistryPath: viper.GetString("lamb.registry"),
		DataDir:      dataDir,
	})
	if err != nil {
		log.Fatalf("❌ Failed to start node: %v", err)
	}
	fmt.Printf("🚀 lamb listening on %s (epoch %d)...\n", node.Addr(), node.Epoch())

	// 4. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\n⚠️  Shutting down node...")
	if err := node.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	fmt.Println("👋 Node stopped.")
}

func setDefaults() {
	viper.SetDefault("lamb.listen", "127.0.0.1:7000")
	viper.SetDefault("lamb.data_dir", ".lamb")
	viper.SetDefault("lamb.registry", ".lamb/vdis.db")
	viper.SetDefault("lamb.store", "disk")
	viper.SetDefault("lamb.objects_dir", ".lamb/objects")
	viper.SetDefault("lamb.cache_ttl", "1h")
	viper.SetDefault("s3.region", "us-east-1")
}

// buildStore 按配置组装对象后端，可选套一层 Redis 缓存
func buildStore(ctx context.Context) (sheeptest.Store, error) {
	var store sheeptest.Store
	var err error

	switch kind := viper.GetString("lamb.store"); kind {
	case "mem":
		store = sheeptest.NewMemStore()

	case "disk":
		store, err = sheeptest.NewDiskStore(viper.GetString("lamb.objects_dir"))
		if err != nil {
			return nil, err
		}

	case "s3":
		bucket := viper.GetString("s3.bucket")
		if bucket == "" {
			return nil, fmt.Errorf("s3 bucket is required")
		}
		store, err = sheeptest.NewS3Store(ctx, sheeptest.S3Config{
			Endpoint:        viper.GetString("s3.endpoint"),
			Region:          viper.GetString("s3.region"),
			Bucket:          bucket,
			AccessKeyID:     viper.GetString("s3.access_key_id"),
			SecretAccessKey: viper.GetString("s3.secret_access_key"),
		})
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", kind)
	}

	// redis_url 配了就启用缓存层
	if url := viper.GetString("lamb.redis_url"); url != "" {
		ttl := viper.GetDuration("lamb.cache_ttl")
		if ttl == 0 {
			ttl = time.Hour
		}
		store, err = sheeptest.NewCachedStore(store, sheeptest.CacheConfig{
			RedisURL: url,
			TTL:      ttl,
		})
		if err != nil {
			return nil, err
		}
		fmt.Println("🔧 Redis object cache enabled.")
	}

	return store, nil
}
