package bufcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mercury-727/lfs-xv6/diskio"
)

func TestBreadBwriteRoundTrip(t *testing.T) {
	d := diskio.NewMemDisk(4, 512)
	c := New(d)

	buf, err := c.Bread(1)
	require.NoError(t, err)
	copy(buf.Data, []byte("cached"))
	require.NoError(t, c.Bwrite(buf))
	c.Brelse(buf)

	buf2, err := c.Bread(1)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(buf2.Data[:6]))
	c.Brelse(buf2)
}

func TestBwriteGoesThroughToDisk(t *testing.T) {
	d := diskio.NewMemDisk(4, 512)
	c := New(d)

	buf, err := c.Bread(0)
	require.NoError(t, err)
	copy(buf.Data, []byte("durable"))
	require.NoError(t, c.Bwrite(buf))
	c.Brelse(buf)

	raw, err := d.Read(0)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(raw[:7]))
}

func TestBrelseNilIsSafe(t *testing.T) {
	d := diskio.NewMemDisk(2, 512)
	c := New(d)
	assert.NotPanics(t, func() { c.Brelse(nil) })
}

func TestConcurrentBreadsOfSameBlock(t *testing.T) {
	d := diskio.NewMemDisk(2, 512)
	c := New(d)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf, err := c.Bread(0)
			require.NoError(t, err)
			c.Brelse(buf)
		}()
	}
	wg.Wait()
}

func TestBarrierForwardsToDisk(t *testing.T) {
	d := diskio.NewMemDisk(2, 512)
	c := New(d)
	assert.NoError(t, c.Barrier())
}
