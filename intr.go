package sdhci

import (
	"log/slog"

	"github.com/soypat/sdhci/hcreg"
)

// HandleInterrupt is the controller interrupt service routine. Card
// interrupts are forwarded to the registered handler with the card interrupt
// status masked for the duration. Host interrupts are masked at the signal
// enable level and wake the request waiting in waitBits.
//
// HandleInterrupt never takes the request lock.
func (d *Device) HandleInterrupt() {
	cur := d.intrStatus() & hcreg.Intr(d.intmask.Load())
	if cur == 0 {
		// Shared line, not ours.
		return
	}
	if cur&hcreg.IntrRetuning != 0 {
		d.requestRetuning()
		d.disableRetuningIntr()
		cur &^= hcreg.IntrRetuning
		if cur == 0 {
			return
		}
	}
	if cur&hcreg.IntrCard != 0 {
		d.modify16(hcreg.IntrStatusEnable, uint16(hcreg.IntrCard), 0)
		fn := d.handler.Load()
		if d.clientEnabled.Load() && d.useClientInts && fn != nil {
			d.intrCount.Add(1)
			(*fn)()
		} else {
			d.warn("HandleInterrupt: card interrupt with no handler enabled")
		}
		d.or16(hcreg.IntrStatusEnable, uint16(hcreg.IntrCard))
		return
	}
	d.wreg16(hcreg.IntrSignalEnable, 0)
	d.wreg16(hcreg.ErrIntrSignalEnable, 0)
	d.localCount.Add(1)
	d.lastIntr.Store(uint32(cur))
	select {
	case d.hcint <- struct{}{}:
	default:
	}
}

// intrsOn unmasks norm and, when err is nonzero, the error interrupts.
func (d *Device) intrsOn(norm hcreg.Intr, err hcreg.ErrIntr) {
	if err != 0 {
		norm |= hcreg.IntrError
		d.wreg16(hcreg.ErrIntrSignalEnable, uint16(err))
	}
	m := d.intmask.Or(uint32(norm)) | uint32(norm)
	d.wreg16(hcreg.IntrSignalEnable, uint16(m))
}

func (d *Device) intrsOff(norm hcreg.Intr, err hcreg.ErrIntr) {
	if err != 0 {
		norm |= hcreg.IntrError
		d.wreg16(hcreg.ErrIntrSignalEnable, 0)
	}
	m := d.intmask.And(^uint32(norm)) &^ uint32(norm)
	d.wreg16(hcreg.IntrSignalEnable, uint16(m))
}

// RegisterInterrupt installs fn as the card interrupt handler and enables
// its dispatch. fn runs in interrupt context.
func (d *Device) RegisterInterrupt(fn func()) {
	d.handler.Store(&fn)
	d.clientEnabled.Store(true)
}

// DeregisterInterrupt removes the card interrupt handler.
func (d *Device) DeregisterInterrupt() {
	d.clientEnabled.Store(false)
	d.handler.Store(nil)
}

// InterruptEnabled reports whether card interrupts are dispatched to a handler.
func (d *Device) InterruptEnabled() bool { return d.clientEnabled.Load() }

// InterruptQuery reports whether a card interrupt is pending in the
// controller.
func (d *Device) InterruptQuery() (pending bool) {
	return d.intrStatus()&hcreg.IntrCard != 0
}

// InterruptCounts returns the number of card interrupts dispatched, the
// number of host interrupts taken and the last host interrupt status.
func (d *Device) InterruptCounts() (client, local uint32, last hcreg.Intr) {
	return d.intrCount.Load(), d.localCount.Load(), hcreg.Intr(d.lastIntr.Load())
}

// DevIntrOn unmasks the card interrupt. It must not be called while a
// request is in progress and returns ErrBusBusy if one is.
func (d *Device) DevIntrOn() error {
	if !d.mu.TryLock() {
		return ErrBusBusy
	}
	defer d.mu.Unlock()
	if !d.useClientInts {
		return nil
	}
	if d.version < hcreg.Version3 {
		// Toggle the status enable so an interrupt latched while masked
		// asserts again.
		en := d.rreg16(hcreg.IntrStatusEnable)
		d.wreg16(hcreg.IntrStatusEnable, en&^uint16(hcreg.IntrCard))
		d.wreg16(hcreg.IntrStatusEnable, en)
	}
	m := d.intmask.Or(uint32(hcreg.IntrCard)) | uint32(hcreg.IntrCard)
	d.wreg16(hcreg.IntrSignalEnable, uint16(m))
	d.rreg16(hcreg.IntrSignalEnable)
	d.trace("DevIntrOn", slog.String("intmask", hex16(uint16(m))))
	return nil
}

// DevIntrOff masks the card interrupt. Like DevIntrOn it returns ErrBusBusy
// while a request is in progress.
func (d *Device) DevIntrOff() error {
	if !d.mu.TryLock() {
		d.logerr("DevIntrOff: request in progress")
		return ErrBusBusy
	}
	defer d.mu.Unlock()
	if !d.useClientInts {
		return nil
	}
	m := d.intmask.And(^uint32(hcreg.IntrCard)) &^ uint32(hcreg.IntrCard)
	d.wreg16(hcreg.IntrSignalEnable, uint16(m))
	d.rreg16(hcreg.IntrSignalEnable)
	d.trace("DevIntrOff", slog.String("intmask", hex16(uint16(m))))
	return nil
}
