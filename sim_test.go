package sdhci

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/internal/sdsim"
)

// simAlloc hands out simulated DMA buffers and remembers them so tests can
// inspect descriptor tables.
type simAlloc struct {
	ctl  *sdsim.Controller
	bufs []*sdsim.Buffer
}

func (a *simAlloc) Alloc(size, align int) (DMABuffer, error) {
	b, err := a.ctl.Alloc(size, align)
	if err != nil {
		return nil, err
	}
	a.bufs = append(a.bufs, b)
	return b, nil
}

// adma2Descs decodes the valid descriptors of the table in the second
// allocation.
func (a *simAlloc) adma2Descs() (descs []hcreg.ADMA2Desc) {
	tbl := a.bufs[1].Bytes()
	for i := 0; 8*i+8 <= len(tbl); i++ {
		desc := hcreg.DecodeADMA2(binary.LittleEndian.Uint32(tbl[8*i:]), binary.LittleEndian.Uint32(tbl[8*i+4:]))
		if desc.Attr&hcreg.ADMAValid == 0 {
			break
		}
		descs = append(descs, desc)
	}
	return descs
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	cfg.Delay = func(time.Duration) {}
	if testing.Verbose() {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelTrace}))
	}
	return cfg
}

type testbed struct {
	ctl   *sdsim.Controller
	alloc *simAlloc
	dev   *Device
	clk   *clock.Mock
}

// attach initializes a device on a simulated controller and detaches it
// when the test ends.
func attach(t *testing.T, sim sdsim.Config, cfg Config, withIRQ bool) *testbed {
	t.Helper()
	tb, err := tryAttach(sim, cfg, withIRQ)
	if err != nil {
		t.Fatal("attach:", err)
	}
	t.Cleanup(func() {
		if err := tb.dev.Detach(); err != nil {
			t.Error("detach:", err)
		}
	})
	return tb
}

func tryAttach(sim sdsim.Config, cfg Config, withIRQ bool) (*testbed, error) {
	ctl := sdsim.New(sim)
	tb := &testbed{ctl: ctl, alloc: &simAlloc{ctl: ctl}}
	if mock, ok := cfg.Clock.(*clock.Mock); ok {
		tb.clk = mock
	}
	var irq IRQ
	if withIRQ {
		irq = ctl
	}
	var err error
	tb.dev, err = Attach(ctl, irq, tb.alloc, cfg)
	return tb, err
}

// eventually polls cond for up to a second of real time.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func mustErrIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("want %v, got %v", target, err)
	}
}
