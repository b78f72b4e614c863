package resmng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/tcu"
)

func TestSplitSessionQuotasFixedAndFraction(t *testing.T) {
	fixed := uint32(10)
	specs := []ServSpec{
		{Name: "a", Quota: SessionQuota{Fixed: &fixed}},
		{Name: "b", Quota: SessionQuota{Fraction: 1}},
		{Name: "c", Quota: SessionQuota{Fraction: 3}},
	}
	out, err := splitSessionQuotas(specs, 50)
	require.NoError(t, err)

	// remainder = 50 - 10 = 40, fractionSum = 4, share = 10
	assert.Equal(t, uint32(10), out["a"])
	assert.Equal(t, uint32(10), out["b"])
	assert.Equal(t, uint32(30), out["c"])
}

func TestSplitSessionQuotasRejectsOverCommittedFixed(t *testing.T) {
	fixed := uint32(100)
	specs := []ServSpec{{Name: "a", Quota: SessionQuota{Fixed: &fixed}}}
	_, err := splitSessionQuotas(specs, 10)
	assert.Error(t, err)
}

func TestBuildSubsystemAssemblesBootInfo(t *testing.T) {
	d, root, pool := harness(t)
	m := New(d, root)
	defer m.Close()

	cfg := childConfig("subresmng")
	cfg.Services = map[string]SessionQuota{"echo": {Fraction: 1}, "log": {Fraction: 1}}
	cfg.MemQuota = 2048
	child, err := m.Boot(2, 1, "subresmng", cfg, 2048)
	require.NoError(t, err)

	rootTileCap := root.Table.Get(2)
	eps := uint64(4)

	sub, err := m.BuildSubsystem(child,
		nil,
		[]TileSpec{{Pool: rootTileCap, Desc: "core", Args: capeng.TileQuotaArgs{EPs: &eps}}},
		[]MemSpec{{Pool: pool, Size: 512, Perms: tcu.PermRead | tcu.PermWrite}},
		[]ServSpec{{Name: "echo", Quota: SessionQuota{Fraction: 1}}, {Name: "log", Quota: SessionQuota{Fraction: 1}}},
		20,
	)
	require.NoError(t, err)
	require.NotNil(t, sub.BootInfo)

	assert.EqualValues(t, 0, sub.BootInfo.ModCount)
	assert.EqualValues(t, 1, sub.BootInfo.TileCount)
	assert.EqualValues(t, 1, sub.BootInfo.MemCount)
	assert.EqualValues(t, 2, sub.BootInfo.ServCount)
	assert.Equal(t, uint32(10), sub.BootInfo.Servs[0].Sessions)
	assert.Same(t, sub, child.Subsys)
}
