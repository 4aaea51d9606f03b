package super

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mercury-727/lfs-xv6/common"
	"github.com/Mercury-727/lfs-xv6/diskio"
)

func testConfig() common.Config {
	cfg := common.DefaultConfig()
	cfg.NSegs = 3
	cfg.NDirect = 10
	cfg.InodeSize = 64
	cfg.SutStart = 4
	cfg.ImapStart = 9
	return cfg
}

func TestFormatMountRoundTrip(t *testing.T) {
	cfg := testConfig()
	d := diskio.NewMemDisk(cfg.SegEnd(), cfg.BlockSize)

	_, err := Format(d, cfg)
	require.NoError(t, err)

	mounted, err := Mount(d, common.Config{BlockSize: cfg.BlockSize})
	require.NoError(t, err)
	assert.Equal(t, cfg.NSegs, mounted.Cfg.NSegs)
	assert.Equal(t, cfg.SegSize, mounted.Cfg.SegSize)
	assert.Equal(t, cfg.NDirect, mounted.Cfg.NDirect)
	assert.Equal(t, cfg.InodeSize, mounted.Cfg.InodeSize)
	assert.Equal(t, cfg.SutStart, mounted.Cfg.SutStart)
	assert.Equal(t, cfg.ImapStart, mounted.Cfg.ImapStart)
	assert.Equal(t, cfg.GCThreshold, mounted.Cfg.GCThreshold)
}

func TestMountRejectsBadMagic(t *testing.T) {
	cfg := testConfig()
	d := diskio.NewMemDisk(cfg.SegEnd(), cfg.BlockSize)
	blk := make([]byte, cfg.BlockSize)
	require.NoError(t, d.Write(0, blk))

	_, err := Mount(d, common.Config{BlockSize: cfg.BlockSize})
	assert.Error(t, err)
}
