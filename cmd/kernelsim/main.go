// Command kernelsim boots a small multi-tile simulation of the capability
// kernel: it wires a handful of tiles onto a shared TCU bus, creates a root
// resource manager, boots a couple of children against it, and runs the
// per-tile schedulers for a bounded number of ticks. It exists for
// integration tests and manual exploration; it is not part of the kernel
// itself.
package main

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kernel"
	"github.com/nestybox/m3kernel/internal/klog"
	"github.com/nestybox/m3kernel/internal/resmng"
	"github.com/nestybox/m3kernel/internal/tcu"
	"github.com/nestybox/m3kernel/internal/tilemux"
)

var log = klog.For("kernelsim")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

type simConfig struct {
	tiles       int
	ticks       int
	epsPerTile  uint64
	timeSliceNS uint64
	ptFrames    int
	frameSize   uint64
	memSize     int
	verbose     bool
}

func newRootCmd() *cobra.Command {
	cfg := &simConfig{}

	cmd := &cobra.Command{
		Use:   "kernelsim",
		Short: "Run a bounded simulation of the capability kernel across a small tile mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return runSim(cfg)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.tiles, "tiles", 2, "number of tiles to simulate")
	flags.IntVar(&cfg.ticks, "ticks", 20, "number of scheduler ticks to run")
	flags.Uint64Var(&cfg.epsPerTile, "eps-per-tile", 32, "TCU endpoints available per tile")
	flags.Uint64Var(&cfg.timeSliceNS, "time-slice-ns", 1_000_000, "time quota (ns) for the root Tile on each tile")
	flags.IntVar(&cfg.ptFrames, "pt-frames", 64, "page-table frames available per tile")
	flags.Uint64Var(&cfg.frameSize, "frame-size", 4096, "page frame size in bytes")
	flags.IntVar(&cfg.memSize, "mem-size", 1<<20, "backing-store size per tile, in bytes")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

// sim holds everything booted for one run: one TCU+Mux pair per tile, the
// dispatcher that ties them together, and the root resource manager.
type sim struct {
	cfg   *simConfig
	d     *kernel.Dispatcher
	muxes []*tilemux.Mux
	root  *kernel.Activity
	mgr   *resmng.Manager
}

func runSim(cfg *simConfig) error {
	if cfg.tiles < 1 {
		return errors.New("kernelsim: --tiles must be >= 1")
	}

	s, err := newSim(cfg)
	if err != nil {
		return errors.Wrap(err, "kernelsim: boot failed")
	}
	defer s.mgr.Close()

	if err := s.bootChildren(); err != nil {
		return errors.Wrap(err, "kernelsim: booting children failed")
	}

	s.runScheduler()

	info, err := s.mgr.GetInfo(nil)
	if err != nil {
		return errors.Wrap(err, "kernelsim: get_info failed")
	}
	for _, c := range info {
		log.WithFields(logrus.Fields{
			"child":    c.Name,
			"mem_left": c.MemLeft,
			"mem_total": c.MemTotal,
			"sessions": c.NumSess,
			"tiles":    c.NumTiles,
		}).Info("child status")
	}
	return nil
}

// newSim wires cfg.tiles TCUs onto a shared bus, registers a multiplexer for
// each, and assembles the root activity's capability table (self Tile at
// selector 2, self KernelMemory at 1, a root MemGate pool at 3 — the
// selectors bootChildren passes to Boot; capeng's SelfTile/SelfKernelMem
// constants number them the other way round and are not used here).
func newSim(cfg *simConfig) (*sim, error) {
	bus := tcu.NewNetworkSim()
	d := kernel.New()
	muxes := make([]*tilemux.Mux, cfg.tiles)

	for i := 0; i < cfg.tiles; i++ {
		tileID := uint32(i)
		t, err := tcu.New(tileID, cfg.memSize, bus)
		if err != nil {
			return nil, errors.Wrapf(err, "tile %d: create TCU", tileID)
		}
		bus.Register(t)

		mux := tilemux.New(tileID, t, cfg.ptFrames, cfg.frameSize)
		d.RegisterTCU(tileID, t)
		d.RegisterMux(tileID, mux)
		muxes[i] = mux
	}

	rootKMem := capeng.NewRootKMem(1 << 24)
	rootTile := capeng.NewRootTile(0, cfg.epsPerTile, cfg.timeSliceNS, uint64(cfg.ptFrames))
	rootMem := capeng.NewRootMemGate(0, 0, uint64(cfg.memSize), tcu.PermRead|tcu.PermWrite)

	root := kernel.NewActivity(0, 0, "root-resmng", rootKMem, rootTile)
	if err := root.Table.Insert(1, rootKMem); err != nil {
		return nil, err
	}
	if err := root.Table.Insert(2, rootTile); err != nil {
		return nil, err
	}
	if err := root.Table.Insert(3, rootMem); err != nil {
		return nil, err
	}
	d.RegisterActivity(root)

	return &sim{
		cfg:   cfg,
		d:     d,
		muxes: muxes,
		root:  root,
		mgr:   resmng.New(d, root),
	}, nil
}

// bootChildren boots two representative children against the root resource
// manager: a pager-like service provider and a plain client, exercising
// Boot/RegServ/OpenSess the way a real boot image's modules would (§4.8,
// §6.3).
func (s *sim) bootChildren() error {
	serverCfg := &resmng.AppConfig{
		Name:     "echo-server",
		Services: map[string]resmng.SessionQuota{"echo": {Fraction: 1}},
		MemQuota: 1 << 16,
		Daemon:   true,
	}
	server, err := s.mgr.Boot(2, 1, "echo-server", serverCfg, 1<<16)
	if err != nil {
		return errors.Wrap(err, "boot echo-server")
	}
	if _, err := s.mgr.RegServ(server.ID(), "echo", 4); err != nil {
		return errors.Wrap(err, "echo-server: reg_serv")
	}

	clientCfg := &resmng.AppConfig{
		Name:     "echo-client",
		Services: map[string]resmng.SessionQuota{},
		MemQuota: 1 << 12,
	}
	client, err := s.mgr.Boot(2, 1, "echo-client", clientCfg, 1<<12)
	if err != nil {
		return errors.Wrap(err, "boot echo-client")
	}
	if _, err := s.mgr.OpenSess(client.ID(), "echo", true); err != nil {
		return errors.Wrap(err, "echo-client: open_sess")
	}

	log.WithFields(logrus.Fields{"server": server.ID(), "client": client.ID()}).Info("booted children")
	return nil
}

// runScheduler drives every tile's multiplexer for cfg.ticks rounds: each
// round picks the next ready activity and dispatches it. No time is charged
// against any activity's budget (ConsumeTime is not called).
func (s *sim) runScheduler() {
	for tick := 0; tick < s.cfg.ticks; tick++ {
		for _, mux := range s.muxes {
			next := mux.Schedule()
			mux.Dispatch(next)
		}
	}
	log.WithField("ticks", s.cfg.ticks).Info("scheduler run complete")
}
