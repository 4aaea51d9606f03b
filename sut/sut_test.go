package sut

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mercury-727/lfs-xv6/bufcache"
	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/diskio"
)

func testConfig() common.Config {
	cfg := common.DefaultConfig()
	cfg.NSegs = 20
	return cfg
}

func TestNewEmptyAllFree(t *testing.T) {
	cfg := testConfig()
	table := NewEmpty(cfg)
	for seg := uint64(0); seg < cfg.NSegs; seg++ {
		assert.True(t, table.IsFree(seg))
	}
	assert.Equal(t, uint64(100), table.FreeFraction(cfg))
}

func TestMarkAllocatedAndUpdate(t *testing.T) {
	cfg := testConfig()
	table := NewEmpty(cfg)
	table.MarkAllocated(3, 42)
	assert.False(t, table.IsFree(3))
	live, age := table.Read(3)
	assert.Equal(t, uint64(0), live)
	assert.Equal(t, uint64(42), age)

	table.Update(cfg, 3, int64(cfg.BlockSize))
	live, _ = table.Read(3)
	assert.Equal(t, cfg.BlockSize, live)

	table.Update(cfg, 3, -int64(cfg.BlockSize))
	live, _ = table.Read(3)
	assert.Equal(t, uint64(0), live)
}

func TestUpdateSaturatesAtCapacityAndZero(t *testing.T) {
	cfg := testConfig()
	table := NewEmpty(cfg)
	table.MarkAllocated(0, 1)
	capBytes := (cfg.SegSize - 1) * cfg.BlockSize

	table.Update(cfg, 0, int64(capBytes)*2)
	live, _ := table.Read(0)
	assert.Equal(t, capBytes, live)

	table.Update(cfg, 0, -int64(capBytes)*2)
	live, _ = table.Read(0)
	assert.Equal(t, uint64(0), live)
}

func TestMarkFreeResetsSentinel(t *testing.T) {
	cfg := testConfig()
	table := NewEmpty(cfg)
	table.MarkAllocated(1, 1)
	table.Update(cfg, 1, int64(cfg.BlockSize))
	table.MarkFree(1)
	assert.True(t, table.IsFree(1))
	live, age := table.Read(1)
	assert.Equal(t, uint64(0), live)
	assert.Equal(t, uint64(0), age)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	cfg := testConfig()
	d := diskio.NewMemDisk(cfg.SutStart+common.NSutBlocks, cfg.BlockSize)
	cache := bufcache.New(d)

	table := NewEmpty(cfg)
	require.NoError(t, table.PersistAll(cache, cfg))
	table.MarkAllocated(2, 7)
	table.Update(cfg, 2, int64(cfg.BlockSize)*3)
	table.MarkAllocated(15, 9)
	require.NoError(t, table.Persist(cache, cfg))

	loaded, err := Load(cache, cfg)
	require.NoError(t, err)
	assert.True(t, loaded.IsFree(0))
	assert.False(t, loaded.IsFree(2))
	live, age := loaded.Read(2)
	assert.Equal(t, cfg.BlockSize*3, live)
	assert.Equal(t, uint64(7), age)
	assert.False(t, loaded.IsFree(15))
}

func TestFreeFraction(t *testing.T) {
	cfg := testConfig()
	table := NewEmpty(cfg)
	for seg := uint64(0); seg < 5; seg++ {
		table.MarkAllocated(seg, 1)
	}
	// 5 of 20 allocated -> 75% free
	assert.Equal(t, uint64(75), table.FreeFraction(cfg))
}
