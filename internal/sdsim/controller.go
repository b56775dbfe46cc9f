// Package sdsim simulates a standard SD host controller with a card in its
// slot. A Controller implements the register window and interrupt line the
// sdhci driver attaches to, and hands out DMA buffers from a simulated
// physical address space, so the whole driver runs without hardware.
//
// Commands complete as soon as the Command register is written. Data phases
// complete through the buffer data port (PIO) or, with DMA enabled,
// immediately after the command.
package sdsim

import (
	"encoding/binary"
	"sync"

	"github.com/soypat/sdhci/hcreg"
)

// Card is a card on the simulated bus.
type Card interface {
	// Command runs cmd with the 6 bit command index and returns the
	// response register image. A nonzero status fails the command.
	Command(cmd uint8, arg uint32) (rsp [4]uint32, status hcreg.ErrIntr)
	// ReadData returns the n byte data phase of a read command.
	ReadData(cmd uint8, arg uint32, n int) ([]byte, hcreg.ErrIntr)
	// WriteData consumes the data phase of a write command.
	WriteData(cmd uint8, arg uint32, data []byte) hcreg.ErrIntr
	// PowerOff returns the card to its power on state.
	PowerOff()
}

// Config describes the simulated controller.
type Config struct {
	Version   uint8
	VendorRev uint8
	Caps      hcreg.Capabilities
	Caps3     hcreg.Capabilities3
	MaxCurCap uint32
	Presets   [8]hcreg.PresetValue
	// TuningLoops is the number of CMD19 the tuning circuit needs before it
	// locks. Zero locks on the first one.
	TuningLoops int
	// TuningFails makes tuning complete without selecting the sampling clock.
	TuningFails bool
	Card        Card
}

// Caps flags common to the configurations below: 50MHz base and timeout
// clocks, 512 byte blocks, all voltages, high speed and every DMA flavor.
const defaultCaps = 50 | hcreg.CapHighSpeed | hcreg.CapSDMA | hcreg.CapADMA1 | hcreg.CapADMA2 |
	hcreg.CapVolt18 | hcreg.CapVolt30 | hcreg.CapVolt33 | hcreg.CapAsyncIntr

// DefaultConfigV2 returns a v2.00 controller without UHS-I support.
func DefaultConfigV2(card Card) Config {
	return Config{
		Version:   hcreg.Version2,
		VendorRev: 16,
		Caps:      hcreg.MakeCaps(50, 0, defaultCaps&^hcreg.CapVolt18),
		Card:      card,
	}
}

// DefaultConfigV3 returns a v3.00 controller supporting every UHS-I mode with
// tuning for SDR50, a 4 second re-tuning timer and re-tuning mode 1.
func DefaultConfigV3(card Card) Config {
	return Config{
		Version:     hcreg.Version3,
		VendorRev:   16,
		Caps:        hcreg.MakeCaps(200, 0, defaultCaps),
		Caps3:       hcreg.MakeCaps3(hcreg.Cap3SDR50|hcreg.Cap3SDR104|hcreg.Cap3DDR50|hcreg.Cap3DriverTypeA|hcreg.Cap3DriverTypeC|hcreg.Cap3TuningSDR50, 3, 1, 0),
		Presets:     [8]hcreg.PresetValue{0x0520, 0x0008, 0x0004, 0x0008, 0x0004, 0x0002, 0x0001, 0x0002},
		TuningLoops: 5,
		Card:        card,
	}
}

// Controller is a simulated SD host controller. It is safe for concurrent
// use.
type Controller struct {
	mu   sync.Mutex
	cfg  Config
	card Card
	regs [0x100]byte
	x    xfer
	mem  memory

	isr         func()
	lastPending bool
	cardIntr    bool

	tuneCount  int
	volSwitch  bool
	stallData  bool
	failCmd    hcreg.ErrIntr
	noClkReady bool
	wlbtWrites []uint16
	commands   []Command
	cregs      []hcreg.Command
}

// Command is a command the controller sent to the card.
type Command struct {
	Index uint8
	Arg   uint32
}

// xfer is the data phase in flight.
type xfer struct {
	active bool
	write  bool
	cmd    uint8
	arg    uint32
	bs     int
	total  int
	buf    []byte
	pos    int
	ready  bool
}

// New returns a powered off controller with cfg.Card in its slot.
func New(cfg Config) *Controller {
	c := &Controller{cfg: cfg, card: cfg.Card}
	c.mem.next = 0x1000_0000
	c.resetAll()
	return c
}

func (c *Controller) resetAll() {
	c.regs = [0x100]byte{}
	c.x = xfer{}
	c.volSwitch = false
	c.put16(hcreg.HostControllerVersion, uint16(c.cfg.VendorRev)<<8|uint16(c.cfg.Version))
	c.put32(hcreg.Caps, uint32(c.cfg.Caps))
	c.put32(hcreg.Caps3, uint32(c.cfg.Caps3))
	c.put32(hcreg.MaxCurCap, c.cfg.MaxCurCap)
	for i, p := range c.cfg.Presets {
		c.put16(hcreg.PresetVal+2*uint32(i), uint16(p))
	}
}

func (c *Controller) get16(off uint32) uint16 { return binary.LittleEndian.Uint16(c.regs[off:]) }
func (c *Controller) get32(off uint32) uint32 { return binary.LittleEndian.Uint32(c.regs[off:]) }
func (c *Controller) put16(off uint32, v uint16) {
	binary.LittleEndian.PutUint16(c.regs[off:], v)
}
func (c *Controller) put32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(c.regs[off:], v)
}

// Read8 implements the register window.
func (c *Controller) Read8(off uint32) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case hcreg.BufferPort0, hcreg.BufferPort0 + 1, hcreg.BufferPort1, hcreg.BufferPort1 + 1:
		return c.portRead(1)[0]
	}
	return uint8(c.read16(off&^1) >> (8 * (off & 1)))
}

// Read16 implements the register window.
func (c *Controller) Read16(off uint32) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off == hcreg.BufferPort0 || off == hcreg.BufferPort1 {
		return binary.LittleEndian.Uint16(c.portRead(2))
	}
	return c.read16(off)
}

// Read32 implements the register window.
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case hcreg.BufferPort0:
		return binary.LittleEndian.Uint32(c.portRead(4))
	case hcreg.PresentStateReg:
		return c.presentState()
	}
	return uint32(c.read16(off)) | uint32(c.read16(off+2))<<16
}

func (c *Controller) read16(off uint32) uint16 {
	switch off {
	case hcreg.IntrStatus:
		return uint16(c.intrStatus())
	case hcreg.PresentStateReg:
		return uint16(c.presentState())
	case hcreg.PresentStateReg + 2:
		return uint16(c.presentState() >> 16)
	case hcreg.ClockCntrl:
		v := c.get16(off)
		if v&hcreg.ClkInternalEnable != 0 && !c.noClkReady {
			v |= hcreg.ClkInternalStable
		}
		return v
	case hcreg.TimeoutCntrl:
		// Software reset bits self clear.
		return c.get16(off) & 0xff
	}
	return c.get16(off)
}

// intrStatus returns the normal interrupt status with the card interrupt
// level and error summary merged in.
func (c *Controller) intrStatus() hcreg.Intr {
	st := hcreg.Intr(c.get16(hcreg.IntrStatus))
	if c.cardIntr {
		st |= hcreg.IntrCard
	}
	st &= hcreg.Intr(c.get16(hcreg.IntrStatusEnable))
	if c.get16(hcreg.ErrIntrStatus) != 0 {
		st |= hcreg.IntrError
	}
	return st
}

func (c *Controller) presentState() uint32 {
	var ps uint32
	if c.x.active {
		ps |= 1 << 1 // DAT inhibit.
		if c.x.write && c.x.ready {
			ps |= 1 << 10
		}
		if !c.x.write && c.x.pos < len(c.x.buf) {
			ps |= 1 << 11
		}
	}
	if c.card != nil {
		ps |= 1<<16 | 1<<17 | 1<<18
	}
	if !c.volSwitch {
		// The card holds DAT[3:0] low during a signal voltage switch.
		ps |= 0xf << 20
	}
	ps |= 1 << 24 // CMD line.
	return ps
}

// Write8 implements the register window.
func (c *Controller) Write8(off uint32, v uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case hcreg.BufferPort0, hcreg.BufferPort0 + 1, hcreg.BufferPort1, hcreg.BufferPort1 + 1:
		c.portWrite([]byte{v})
	case hcreg.PwrCntrl:
		c.regs[off] = v
		if v&hcreg.PwrBusEnable == 0 && c.card != nil {
			c.card.PowerOff()
		}
	case hcreg.SoftwareReset:
		c.softwareReset(v)
	default:
		c.regs[off] = v
	}
	c.checkIRQ()
}

// Write16 implements the register window. Writing the Command register
// starts the command.
func (c *Controller) Write16(off uint32, v uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write16(off, v)
	c.checkIRQ()
}

func (c *Controller) write16(off uint32, v uint16) {
	switch off {
	case hcreg.BufferPort0, hcreg.BufferPort1:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		c.portWrite(b[:])
	case hcreg.IntrStatus, hcreg.ErrIntrStatus:
		c.put16(off, c.get16(off)&^v)
	case hcreg.CommandReg:
		c.put16(off, v)
		c.command(hcreg.Command(v))
	case hcreg.HostCntrl2:
		old := c.get16(off)
		if v&hcreg.HC2ExecTuning != 0 && old&hcreg.HC2ExecTuning == 0 {
			c.tuneCount = 0
			v &^= hcreg.HC2SampleClkSel
			// Starting a tuning pass acknowledges the re-tuning event.
			c.put16(hcreg.IntrStatus, c.get16(hcreg.IntrStatus)&^uint16(hcreg.IntrRetuning))
		}
		c.put16(off, v)
	case hcreg.ClockCntrl:
		if v&hcreg.ClkSDEnable != 0 && c.get16(hcreg.HostCntrl2)&hcreg.HC2Signal18 != 0 {
			c.volSwitch = false
		}
		c.put16(off, v)
	case hcreg.WLBTReset:
		c.wlbtWrites = append(c.wlbtWrites, v)
		c.put16(off, v)
	case hcreg.PwrCntrl &^ 1:
		c.regs[hcreg.HostCntrl] = uint8(v)
		c.regs[hcreg.PwrCntrl] = uint8(v >> 8)
		if v>>8&hcreg.PwrBusEnable == 0 && c.card != nil {
			c.card.PowerOff()
		}
	case hcreg.TimeoutCntrl:
		c.regs[off] = uint8(v)
		c.softwareReset(uint8(v >> 8))
	case hcreg.Caps, hcreg.Caps + 2, hcreg.Caps3, hcreg.Caps3 + 2, hcreg.HostControllerVersion:
		// Read only.
	default:
		c.put16(off, v)
	}
}

// Write32 implements the register window.
func (c *Controller) Write32(off uint32, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off == hcreg.BufferPort0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		c.portWrite(b[:])
	} else {
		c.write16(off, uint16(v))
		c.write16(off+2, uint16(v>>16))
	}
	c.checkIRQ()
}

func (c *Controller) softwareReset(bits uint8) {
	switch {
	case bits&hcreg.ResetAll != 0:
		c.resetAll()
	case bits&hcreg.ResetDat != 0:
		c.x = xfer{}
		c.put16(hcreg.IntrStatus, c.get16(hcreg.IntrStatus)&^uint16(hcreg.IntrBufReadReady|hcreg.IntrBufWriteReady|hcreg.IntrXferComplete))
	}
}

// setIntr latches normal interrupt status bits.
func (c *Controller) setIntr(bits hcreg.Intr) {
	c.put16(hcreg.IntrStatus, c.get16(hcreg.IntrStatus)|uint16(bits))
}

func (c *Controller) setErr(bits hcreg.ErrIntr) {
	bits &= hcreg.ErrIntr(c.get16(hcreg.ErrIntrStatusEnable))
	c.put16(hcreg.ErrIntrStatus, c.get16(hcreg.ErrIntrStatus)|uint16(bits))
}

// checkIRQ raises the interrupt line on a rising edge of the signaled status.
func (c *Controller) checkIRQ() {
	pending := uint16(c.intrStatus())&c.get16(hcreg.IntrSignalEnable) != 0 ||
		c.get16(hcreg.ErrIntrStatus)&c.get16(hcreg.ErrIntrSignalEnable) != 0
	if pending && !c.lastPending && c.isr != nil {
		go c.isr()
	}
	c.lastPending = pending
}
