package capacity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordvault/recordvault/internal/vaulterr"
)

func fixedStat(available int64, err error) func(string) (Volume, error) {
	return func(string) (Volume, error) {
		return Volume{Total: available * 2, Free: available, Available: available}, err
	}
}

func TestGuardCheck(t *testing.T) {
	g := &Guard{Path: "/data", MinFree: 100, stat: fixedStat(1000, nil)}

	assert.NoError(t, g.Check(900))

	err := g.Check(901)
	require.Error(t, err)
	assert.ErrorIs(t, err, vaulterr.ErrCapacity)

	var ce *vaulterr.CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "disk", ce.Resource)
	assert.Equal(t, int64(901), ce.Requested)
}

func TestGuardDisabledOrUnknown(t *testing.T) {
	var nilGuard *Guard
	assert.NoError(t, nilGuard.Check(1<<40))
	assert.NoError(t, (&Guard{Path: "/data"}).Check(1<<40))

	g := &Guard{Path: "/data", MinFree: 100, stat: fixedStat(0, errors.New("statfs failed"))}
	assert.NoError(t, g.Check(1))
}

func TestStatTempDir(t *testing.T) {
	v, err := Stat(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, v.Total)
	assert.GreaterOrEqual(t, v.Total, v.Free)
	assert.GreaterOrEqual(t, v.Free, v.Available)
	assert.Equal(t, v.Total-v.Free, v.Used())

	_, err = Stat("/does/not/exist/recordvault")
	assert.Error(t, err)
}

func TestGuardAvailable(t *testing.T) {
	g := &Guard{Path: "/data", MinFree: 100, stat: fixedStat(4096, nil)}
	n, err := g.Available()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)
}
