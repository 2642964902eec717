package app

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApp_Defaults(t *testing.T) {
	// 1. Mock 配置
	viper.Reset()
	viper.Set("cluster.address", "localhost")
	viper.Set("cluster.port", 7000)
	viper.Set("io.dial_timeout", "5s")

	// 2. 组装
	a, err := NewApp()

	// 3. 验证
	require.NoError(t, err)
	assert.Equal(t, "localhost:7000", a.Options.Addr)
	assert.Equal(t, 5*time.Second, a.Options.DialTimeout)
	assert.Zero(t, a.Options.IOTimeout)
	assert.False(t, a.Options.Writeback)
}

func TestNewApp_Writeback(t *testing.T) {
	viper.Reset()
	viper.Set("cluster.address", "10.0.0.7")
	viper.Set("cluster.port", 7001)
	viper.Set("io.writeback", true)

	a, err := NewApp()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:7001", a.Options.Addr)
	assert.True(t, a.Options.Writeback)
}

func TestNewApp_MissingAddress(t *testing.T) {
	viper.Reset()
	viper.Set("cluster.port", 7000)
	// 故意不设置 address

	a, err := NewApp()
	assert.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "address not set")
}

func TestNewApp_BadPort(t *testing.T) {
	viper.Reset()
	viper.Set("cluster.address", "localhost")
	viper.Set("cluster.port", -1)

	a, err := NewApp()
	assert.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "invalid cluster port")
}
