package sdsim

import (
	"errors"
	"slices"

	"github.com/soypat/sdhci/hcreg"
)

// Register connects isr to the controller interrupt line. The line is edge
// triggered and isr runs on its own goroutine.
func (c *Controller) Register(isr func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isr != nil {
		return errors.New("sdsim: interrupt already registered")
	}
	c.isr = isr
	c.lastPending = false
	c.checkIRQ()
	return nil
}

// Free disconnects the interrupt line.
func (c *Controller) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isr = nil
	return nil
}

// SetCardInterrupt drives the card interrupt level.
func (c *Controller) SetCardInterrupt(asserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cardIntr = asserted
	c.checkIRQ()
}

// RequestRetune raises the re-tuning event interrupt.
func (c *Controller) RequestRetune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setIntr(hcreg.IntrRetuning)
	c.checkIRQ()
}

// StallNextData starts the next data phase without ever raising buffer
// ready, as a wedged card would.
func (c *Controller) StallNextData() {
	c.mu.Lock()
	c.stallData = true
	c.mu.Unlock()
}

// FailNextCommand fails the next command with status.
func (c *Controller) FailNextCommand(status hcreg.ErrIntr) {
	c.mu.Lock()
	c.failCmd = status
	c.mu.Unlock()
}

// SetClockStable controls whether the internal clock reports stable once
// enabled.
func (c *Controller) SetClockStable(stable bool) {
	c.mu.Lock()
	c.noClkReady = !stable
	c.mu.Unlock()
}

// Commands returns the commands issued so far.
func (c *Controller) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.commands)
}

// CommandRegisters returns the Command register values written so far, in
// the order of Commands.
func (c *Controller) CommandRegisters() []hcreg.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.cregs)
}

// ResetCommands clears the command log.
func (c *Controller) ResetCommands() {
	c.mu.Lock()
	c.commands = c.commands[:0]
	c.cregs = c.cregs[:0]
	c.mu.Unlock()
}

// CountCommands returns how many times command index idx was issued.
func (c *Controller) CountCommands(idx uint8) (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cmd := range c.commands {
		if cmd.Index == idx {
			n++
		}
	}
	return n
}

// WLBTResetWrites returns the values written to the WLAN/BT reset register.
func (c *Controller) WLBTResetWrites() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.wlbtWrites)
}

// SDClockDivisor returns the base clock divisor programmed in ClockCntrl.
func (c *Controller) SDClockDivisor() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hcreg.DecodeClockDivisor(c.get16(hcreg.ClockCntrl), c.cfg.Version == hcreg.Version3)
}

// DataActive reports whether a data phase is in flight.
func (c *Controller) DataActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.x.active
}

// Peek16 reads the raw 16 bit register at off without side effects.
func (c *Controller) Peek16(off uint32) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get16(off)
}
