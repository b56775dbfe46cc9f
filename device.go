package sdhci

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
	"go.uber.org/multierr"
	"golang.org/x/exp/constraints"
)

// Retry budgets of the bounded wait loops.
const (
	retriesSmall       = 100000
	retriesLarge       = 500000
	retriesClkStable   = 10000
	retriesTuningBRR   = 1000
	maxTuningLoops     = 40
	retriesCMD5        = 200
	retriesACMD41      = 20000
	retriesMemCard     = 1000000
	retriesSleep       = 100
	sleepRetryDelay    = 1400 * time.Microsecond
	defaultIntrTimeout = 2 * time.Second
)

// pageSize is the DMA staging page and the chunk bound of buffer requests.
const pageSize = 4096

// glomPages is the staging buffer size in pages when packet aggregation is enabled.
const glomPages = 16

// IRQ registers the controller interrupt service routine with the platform.
type IRQ interface {
	Register(isr func()) error
	Free() error
}

// Allocator hands out physically contiguous memory the controller can DMA into.
type Allocator interface {
	Alloc(size, align int) (DMABuffer, error)
}

// DMABuffer is a physically contiguous buffer.
type DMABuffer interface {
	Bytes() []byte
	PhysAddr() uint64
	Close() error
}

// Config configures a Device. Start from DefaultConfig: UHSSDR12 is the zero
// UHSMode, so a zero Config requests UHS-I signaling on v3.00 hosts.
// DefaultConfig sets UHSDisabled.
type Config struct {
	Logger *slog.Logger
	// MsgLevel gates noisy log categories. See MsgError and friends.
	MsgLevel uint32
	DMAMode  DMAMode
	// DisableBlockMode forces byte mode CMD53 transfers, which disables DMA.
	DisableBlockMode  bool
	DisableClientInts bool
	BusMode           BusMode
	// HighSpeed enables high speed mode in the legacy clock path.
	HighSpeed bool
	UHSMode   UHSMode
	// AutoUHSSelect retries at the best common mode when the requested
	// UHS-I mode does not match.
	AutoUHSSelect bool
	// Divisor is the data phase clock divisor. Zero computes it from the
	// base clock.
	Divisor     uint16
	F2BlockSize uint16
	// TuningPeriod is the periodic re-tuning exponent n, for a period of
	// 2^(n-1) seconds. Zero uses the capabilities re-tuning timer count.
	TuningPeriod uint8
	// SoftwarePresets uses the built in preset table and applies driver
	// strength manually instead of enabling host preset values.
	SoftwarePresets bool
	// DriveStrength overrides the preset driver type with 'A'..'D'. Zero or ' '
	// means no override.
	DriveStrength      byte
	DrainTuningPattern bool
	// Glom enlarges the DMA staging buffer for packet aggregation.
	Glom           bool
	GlomMode       GlomMode
	CardType       CardType
	ControllerType ControllerType
	// BaseClockMHz is used when the capabilities register reports a base
	// clock of zero.
	BaseClockMHz uint32
	// InterruptMode waits for command and transfer completion on the
	// controller interrupt instead of polling.
	InterruptMode bool
	IntrTimeout   time.Duration
	TrapOnError   bool
	Delay         func(time.Duration)
	Yield         func()
	Clock         clock.Clock
}

// DefaultConfig returns the driver defaults: auto DMA, 4 bit bus, low speed,
// UHS-I disabled and polled completion.
func DefaultConfig() Config {
	return Config{
		MsgLevel:    MsgError,
		DMAMode:     DMAAuto,
		BusMode:     BusSD4,
		UHSMode:     UHSDisabled,
		F2BlockSize: 64,
		IntrTimeout: defaultIntrTimeout,
	}
}

func (cfg *Config) setDefaults() {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Delay == nil {
		cfg.Delay = cfg.Clock.Sleep
	}
	if cfg.Yield == nil {
		cfg.Yield = runtime.Gosched
	}
	if cfg.F2BlockSize == 0 {
		cfg.F2BlockSize = 64
	}
	if cfg.IntrTimeout == 0 {
		cfg.IntrTimeout = defaultIntrTimeout
	}
	if cfg.DisableBlockMode {
		cfg.DMAMode = DMANone
	}
}

// Device is a standard SD host controller with an SDIO card attached.
type Device struct {
	mu        sync.Mutex
	lockcount int
	regs      Registers
	irq       IRQ
	alloc     Allocator
	cfg       Config
	logger    *slog.Logger
	clk       clock.Clock

	version      uint8
	vendorRev    uint8
	caps         hcreg.Capabilities
	caps3        hcreg.Capabilities3
	curCaps      uint32
	hostUHS      bool
	hostInitDone bool
	polled       bool
	divisor      uint16
	clkDiv       uint16
	dmaMode      DMAMode
	busMode      BusMode
	blockMode    bool
	powerSave    bool
	powerOn      bool
	clockOn      bool

	cardInitDone bool
	rca          uint16
	numFuncs     uint8
	cisPtr       [sdio.MaxFuncs]uint32
	blockSize    [sdio.MaxFuncs]uint16
	cardUHSVolt  bool
	globalUHS    uhsSupport
	uhsMode      UHSMode
	mem          memCard

	xferCount  uint32
	readCount  uint32
	writeCount uint32
	dmaBuf     DMABuffer
	descBuf    DMABuffer
	glom       [][]byte
	glomMode   GlomMode

	tuningReqd bool
	tunePeriod time.Duration
	tuneTimer  *clock.Timer
	// tunMu guards the tuning and data state pair, which the re-tuning
	// timer and interrupt modify concurrently with transfers.
	tunMu    sync.Mutex
	tunState TuningState
	datState DataState

	// Accessed from HandleInterrupt, which never takes mu.
	msglevel      atomic.Uint32
	intmask       atomic.Uint32
	intrCount     atomic.Uint32
	localCount    atomic.Uint32
	lastIntr      atomic.Uint32
	useClientInts bool
	clientEnabled atomic.Bool
	handler       atomic.Pointer[func()]
	hcint         chan struct{}
}

// Attach initializes the controller behind regs and the card attached to it.
// A nil alloc disables DMA. A nil irq leaves interrupt dispatch to the caller,
// who must then call HandleInterrupt.
func Attach(regs Registers, irq IRQ, alloc Allocator, cfg Config) (*Device, error) {
	if regs == nil {
		return nil, errors.New("sdhci: nil register window")
	}
	cfg.setDefaults()
	d := &Device{
		regs:          regs,
		irq:           irq,
		alloc:         alloc,
		cfg:           cfg,
		logger:        cfg.Logger,
		clk:           cfg.Clock,
		blockMode:     !cfg.DisableBlockMode,
		dmaMode:       cfg.DMAMode,
		useClientInts: !cfg.DisableClientInts,
		powerSave:     true,
		powerOn:       true,
		clockOn:       true,
		glomMode:      cfg.GlomMode,
		uhsMode:       cfg.UHSMode,
		hcint:         make(chan struct{}, 1),
	}
	d.msglevel.Store(cfg.MsgLevel)
	if alloc == nil {
		d.dmaMode = DMANone
	}
	d.info("Attach:start", slog.String("dma", d.dmaMode.String()), slog.String("uhs", cfg.UHSMode.String()))
	start := d.clk.Now()
	if d.dmaMode != DMANone {
		if err := d.dmaMap(); err != nil {
			d.warn("Attach:dma-map", slog.String("err", err.Error()))
			d.dmaMode = DMANone
		}
	}
	d.polled = true
	d.acquire()
	err := d.driverInit()
	if err != nil {
		// The card may still hold its RCA from a previous run. Another pass
		// resets it.
		d.info("Attach:driver-init retry", slog.String("err", err.Error()))
		err = d.driverInit()
	}
	d.release()
	if err != nil {
		d.dmaUnmap()
		return nil, errjoin(errors.New("sdhci: driver init failed"), err)
	}
	if irq != nil {
		if err = irq.Register(d.HandleInterrupt); err != nil {
			d.dmaUnmap()
			return nil, errjoin(errors.New("sdhci: interrupt registration failed"), err)
		}
	}
	d.polled = !cfg.InterruptMode
	d.info("Attach:done", slog.Duration("took", d.clk.Since(start)))
	return d, nil
}

// Detach disables interrupts, resets an initialized card and releases the
// DMA buffers and interrupt line.
func (d *Device) Detach() (err error) {
	d.acquire()
	defer d.release()
	d.wreg16(hcreg.IntrSignalEnable, 0)
	d.stopTuningTimer()
	d.tuningReqd = false
	if d.irq != nil {
		err = multierr.Append(err, d.irq.Free())
	}
	if d.cardInitDone {
		err = multierr.Append(err, d.reset(true, true))
	}
	err = multierr.Append(err, d.dmaUnmap())
	d.cardInitDone = false
	d.hostInitDone = false
	return err
}

// acquire takes the request lock. Every card facing entry point holds it for
// its whole duration.
func (d *Device) acquire() {
	d.mu.Lock()
	d.lockcount++
}

func (d *Device) release() {
	d.lockcount--
	d.mu.Unlock()
}

// trap panics when TrapOnError is set and returns err otherwise.
func (d *Device) trap(err error) error {
	if err != nil && d.cfg.TrapOnError {
		panic(err)
	}
	return err
}

func (d *Device) delay(dur time.Duration) { d.cfg.Delay(dur) }

func (d *Device) v3() bool { return d.version == hcreg.Version3 }

// Version returns the host controller specification version (0 for v1.00
// through 2 for v3.00) and vendor revision.
func (d *Device) Version() (spec, vendor uint8) { return d.version, d.vendorRev }

// Caps returns the cached capabilities registers.
func (d *Device) Caps() (hcreg.Capabilities, hcreg.Capabilities3) { return d.caps, d.caps3 }

func (d *Device) DMAMode() DMAMode { return d.dmaMode }
func (d *Device) BusMode() BusMode { return d.busMode }
func (d *Device) UHSMode() UHSMode { return d.uhsMode }
func (d *Device) RCA() uint16      { return d.rca }
func (d *Device) NumFuncs() uint8  { return d.numFuncs }

// CardInitDone reports whether client initialization completed.
func (d *Device) CardInitDone() bool { return d.cardInitDone }

// TuningRequired reports whether the current bus mode needs clock tuning.
func (d *Device) TuningRequired() bool { return d.tuningReqd }

// BlockSize returns the negotiated block size of function fn.
func (d *Device) BlockSize(fn uint8) uint16 {
	if fn >= sdio.MaxFuncs {
		return 0
	}
	return d.blockSize[fn]
}

// TuningState returns the clock tuning state.
func (d *Device) TuningState() TuningState {
	d.tunMu.Lock()
	defer d.tunMu.Unlock()
	return d.tunState
}

// DataState returns whether a data request is in flight.
func (d *Device) DataState() DataState {
	d.tunMu.Lock()
	defer d.tunMu.Unlock()
	return d.datState
}

func (d *Device) setDataState(s DataState) {
	d.tunMu.Lock()
	d.datState = s
	d.tunMu.Unlock()
}

func errjoin(e1, e2 error) error {
	return errors.Join(e1, e2)
}

// alignup rounds `val` up to nearest multiple of `align`. `align` must be a power of 2.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// aligndown rounds `val` down to nearest multiple of `align`. `align` must be a power of 2.
func aligndown[T constraints.Unsigned](val, align T) T {
	return val &^ (align - 1)
}

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}
