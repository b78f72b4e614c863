package resmng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kernel"
	"github.com/nestybox/m3kernel/internal/tcu"
	"github.com/nestybox/m3kernel/internal/tilemux"
)

// harness builds a dispatcher with one tile registered and a "root" activity
// holding a Tile, KernelMemory, and MemGate pool capability — the minimal
// boot state a resource manager needs to exercise AddChild/AllocMem/AllocTile
// (mirrors the way cmd/kernelsim assembles the root subsystem's own table).
func harness(t *testing.T) (*kernel.Dispatcher, *kernel.Activity, *capeng.Cap) {
	t.Helper()

	bus := tcu.NewNetworkSim()
	tc, err := tcu.New(1, 4096, bus)
	require.NoError(t, err)
	mux := tilemux.New(1, tc, 64, 4096)

	d := kernel.New()
	d.RegisterTCU(1, tc)
	d.RegisterMux(1, mux)

	rootKMem := capeng.NewRootKMem(1 << 20)
	rootTile := capeng.NewRootTile(1, 32, 1_000_000, 16)
	rootMem := capeng.NewRootMemGate(1, 0, 1<<20, tcu.PermRead|tcu.PermWrite)

	root := kernel.NewActivity(0, 1, "root", rootKMem, rootTile)
	require.NoError(t, root.Table.Insert(1, rootKMem))
	require.NoError(t, root.Table.Insert(2, rootTile))
	require.NoError(t, root.Table.Insert(3, rootMem))
	d.RegisterActivity(root)

	return d, root, rootMem
}

func childConfig(name string) *AppConfig {
	return &AppConfig{
		Name:      name,
		Services:  map[string]SessionQuota{"echo": {Fraction: 1}},
		SGates:    map[string]bool{"pager": true},
		RGates:    map[string]bool{},
		Sems:      map[string]bool{},
		Mods:      map[string]bool{"init": true},
		MemQuota:  4096,
		TileClass: "core",
	}
}

func TestAddChildCreatesOwnChild(t *testing.T) {
	d, root, _ := harness(t)
	m := New(d, root)
	defer m.Close()

	child, err := m.Boot(2, 1, "worker", childConfig("worker"), 4096)
	require.NoError(t, err)
	assert.Equal(t, "worker", child.Name())
	assert.False(t, child.Foreign())
	assert.Equal(t, uint64(4096), child.Mem.Total)
}

func TestRegServAndOpenSessRoundTrip(t *testing.T) {
	d, root, _ := harness(t)
	m := New(d, root)
	defer m.Close()

	child, err := m.Boot(2, 1, "server", childConfig("server"), 4096)
	require.NoError(t, err)

	srvSel, err := m.RegServ(child.ID(), "echo", 4)
	require.NoError(t, err)
	assert.NotZero(t, srvSel)

	sessSel, err := m.OpenSess(child.ID(), "echo", true)
	require.NoError(t, err)
	assert.NotZero(t, sessSel)

	require.NoError(t, m.CloseSess(child.ID(), sessSel))
	require.NoError(t, m.UnregServ(child.ID(), "echo", srvSel))
}

func TestRegServRejectsUndeclaredService(t *testing.T) {
	d, root, _ := harness(t)
	m := New(d, root)
	defer m.Close()

	child, err := m.Boot(2, 1, "plain", childConfig("plain"), 4096)
	require.NoError(t, err)

	_, err = m.RegServ(child.ID(), "not-declared", 1)
	assert.Error(t, err)
}

func TestAllocMemEnforcesChildQuota(t *testing.T) {
	d, root, pool := harness(t)
	m := New(d, root)
	defer m.Close()

	cfg := childConfig("alloc")
	cfg.MemQuota = 100
	child, err := m.Boot(2, 1, "alloc", cfg, 100)
	require.NoError(t, err)

	sel, err := m.AllocMem(child.ID(), pool, 64, tcu.PermRead)
	require.NoError(t, err)
	assert.NotZero(t, sel)

	_, err = m.AllocMem(child.ID(), pool, 64, tcu.PermRead)
	assert.Error(t, err)

	require.NoError(t, m.FreeMem(child.ID(), sel))
	_, err = m.AllocMem(child.ID(), pool, 64, tcu.PermRead)
	assert.NoError(t, err)
}

func TestAllocTileAndFreeTile(t *testing.T) {
	d, root, _ := harness(t)
	m := New(d, root)
	defer m.Close()

	child, err := m.Boot(2, 1, "tiled", childConfig("tiled"), 4096)
	require.NoError(t, err)

	rootTileCap := root.Table.Get(2)
	eps := uint64(4)
	sel, err := m.AllocTile(child.ID(), rootTileCap, "core", capeng.TileQuotaArgs{EPs: &eps})
	require.NoError(t, err)
	require.NoError(t, m.FreeTile(child.ID(), sel))
}

func TestRemChildRevokesResources(t *testing.T) {
	d, root, pool := harness(t)
	m := New(d, root)
	defer m.Close()

	child, err := m.Boot(2, 1, "gone", childConfig("gone"), 4096)
	require.NoError(t, err)

	_, err = m.AllocMem(child.ID(), pool, 32, tcu.PermRead)
	require.NoError(t, err)

	require.NoError(t, m.RemChild(child.ID()))

	info, err := m.GetInfo(nil)
	require.NoError(t, err)
	assert.Empty(t, info)
}

func TestUseRGateUseSemFileIntoOwnBuckets(t *testing.T) {
	d, root, _ := harness(t)
	m := New(d, root)
	defer m.Close()

	cfg := childConfig("user")
	cfg.RGates = map[string]bool{"irq": true}
	cfg.Sems = map[string]bool{"lock": true}
	child, err := m.Boot(2, 1, "user", cfg, 4096)
	require.NoError(t, err)

	rgateSel, err := m.UseRGate(child.ID(), "irq", capeng.NewRecvGate(6, 6))
	require.NoError(t, err)
	assert.Contains(t, child.Res.RGates, rgateSel)
	assert.NotContains(t, child.Res.SGates, rgateSel)

	semSel, err := m.UseSem(child.ID(), "lock", capeng.NewSemaphore(1))
	require.NoError(t, err)
	assert.Contains(t, child.Res.Sems, semSel)
	assert.NotContains(t, child.Res.SGates, semSel)

	sgateSel, err := m.UseSGate(child.ID(), "pager", capeng.NewRecvGate(6, 6))
	require.NoError(t, err)
	assert.Contains(t, child.Res.SGates, sgateSel)

	modSel, err := m.UseMod(child.ID(), "init", capeng.NewRecvGate(6, 6))
	require.NoError(t, err)
	assert.Contains(t, child.Res.Mods, modSel)
	assert.Len(t, child.Res.Mods, 1, "UseMod must not double-file into SGates")
}

func TestGetSerialHandsOutSerialSinkAlias(t *testing.T) {
	d, root, _ := harness(t)
	m := New(d, root)
	defer m.Close()

	kernel.SetSerialSink(nil)
	child, err := m.Boot(2, 1, "console", childConfig("console"), 4096)
	require.NoError(t, err)

	_, err = m.GetSerial(child.ID())
	assert.Error(t, err, "get_serial must fail cleanly with no serial sink registered")

	rgate := capeng.NewRecvGate(6, 6)
	kernel.SetSerialSink(rgate.RecvGate)
	defer kernel.SetSerialSink(nil)

	sel, err := m.GetSerial(child.ID())
	require.NoError(t, err)
	assert.Contains(t, child.Res.RGates, sel)

	aliasCap := m.Self.Table.Get(sel)
	require.NotNil(t, aliasCap)
	assert.Same(t, rgate.RecvGate, aliasCap.RecvGate)
}

func TestGetInfoReportsMemUsage(t *testing.T) {
	d, root, pool := harness(t)
	m := New(d, root)
	defer m.Close()

	child, err := m.Boot(2, 1, "info", childConfig("info"), 1000)
	require.NoError(t, err)
	_, err = m.AllocMem(child.ID(), pool, 200, tcu.PermRead)
	require.NoError(t, err)

	id := child.ID()
	info, err := m.GetInfo(&id)
	require.NoError(t, err)
	require.Len(t, info, 1)
	assert.Equal(t, uint64(800), info[0].MemLeft)
	assert.Equal(t, uint64(1000), info[0].MemTotal)
}
