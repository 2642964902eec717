package commands

import (
	"fmt"
	"os"

	"sheepvault/pkg/app"
	"sheepvault/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	SV *app.App
)

var rootCmd = &cobra.Command{
	Use:   "sv",
	Short: "SheepVault: block devices on a distributed object store",
	// 【关键】PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 统一初始化 App
		var err error
		SV, err = app.NewApp()
		if err != nil {
			// 友好的错误提示
			return fmt.Errorf("failed to initialize sheepvault: %w\n(Is your cluster address configured?)", err)
		}
		return nil
	},
}

// Execute 是入口
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// 在初始化时，加载配置
	cobra.OnInitialize(initConfig)

	// 1. 定义全局参数 --config
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sv/config.yaml)")

	// 2. 定义集群地址参数，并绑定到 Viper
	// 这样用户既可以在 yaml 里写，也可以用 --addr / --port 覆盖
	rootCmd.PersistentFlags().String("addr", "", "Cluster address")
	rootCmd.PersistentFlags().Int("port", 0, "Cluster port")
	rootCmd.PersistentFlags().Bool("writeback", false, "Use writeback object caching for writes")

	for flag, key := range map[string]string{
		"addr":      "cluster.address",
		"port":      "cluster.port",
		"writeback": "io.writeback",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Println("Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	// 直接调用共享逻辑
	if err := config.Load(cfgFile); err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}
