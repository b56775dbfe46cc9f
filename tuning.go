package sdhci

import (
	"log/slog"
	"time"

	"github.com/soypat/sdhci/hcreg"
	"github.com/soypat/sdhci/sdio"
)

// runTuning executes the v3.00 sampling clock tuning procedure: CMD19 is
// repeated until the controller clears Execute Tuning, at most maxTuningLoops
// times.
func (d *Device) runTuning() error {
	if !d.tuningReqd {
		return nil
	}
	d.or16(hcreg.HostCntrl2, hcreg.HC2ExecTuning)
	fail := func(err error) error {
		d.modify16(hcreg.HostCntrl2, hcreg.HC2ExecTuning, 0)
		return err
	}
	for loops := 0; ; loops++ {
		if err := d.issueCommand(d.dmaMode != DMANone, sdio.CMD19, 0); err != nil {
			d.logerr("runTuning: CMD19 failed", slog.String("err", err.Error()))
			return fail(err)
		}
		brr := false
		for i := 0; i < retriesTuningBRR; i++ {
			if d.intrStatus()&hcreg.IntrBufReadReady != 0 {
				brr = true
				break
			}
			d.delay(time.Microsecond)
		}
		if !brr {
			d.logerr("runTuning: buffer read ready timeout")
			return fail(ErrTuningFailed)
		}
		if d.cfg.DrainTuningPattern {
			// Some controllers leave the 64 byte tuning block in the buffer.
			for i := 0; i < 16; i++ {
				d.rreg32(hcreg.BufferPort0)
			}
		}
		d.clearIntr(hcreg.IntrBufReadReady)
		if d.rreg16(hcreg.HostCntrl2)&hcreg.HC2ExecTuning == 0 {
			break
		}
		if loops >= maxTuningLoops {
			d.logerr("runTuning: too many iterations", slog.Int("loops", loops))
			return fail(ErrTuningFailed)
		}
	}
	ti := d.rreg32(hcreg.TuningInfo)
	d.info("runTuning: done",
		slog.String("passed", hex16(uint16(ti>>8&0x3f))),
		slog.Int("selected", int(ti>>15&7)),
	)
	if d.rreg16(hcreg.HostCntrl2)&hcreg.HC2SampleClkSel == 0 {
		d.logerr("runTuning: sampling clock not selected")
		return fail(ErrTuningFailed)
	}
	return nil
}

// startTuning runs a tuning pass with the state machine marked ongoing and
// re-arms the re-tuning interrupt the handler disarmed.
func (d *Device) startTuning() error {
	d.tunMu.Lock()
	d.tunState = TuningOngoing
	d.tunMu.Unlock()

	err := d.runTuning()

	d.tunMu.Lock()
	d.tunState = TuningIdle
	d.tunMu.Unlock()
	if d.tuningReqd && d.caps3.RetuningModes() != 0 && d.intmask.Load()&uint32(hcreg.IntrRetuning) == 0 {
		d.enableRetuningIntr()
	}
	if err != nil {
		return d.trap(err)
	}
	return nil
}

// checkAndDoTuning runs a pending re-tune around a data request. Before
// data it waits out a running tuning pass or starts a requested one, after
// data it starts a re-tune requested while the transfer was in flight.
func (d *Device) checkAndDoTuning(phase tuningPhase) error {
	if !d.tuningReqd {
		return nil
	}
	d.tunMu.Lock()
	state := d.tunState
	d.tunMu.Unlock()
	switch {
	case phase == preData && state == TuningOngoing:
		for retries := retriesSmall; retries > 0; retries-- {
			if d.rreg16(hcreg.HostCntrl2)&hcreg.HC2ExecTuning == 0 {
				return nil
			}
		}
		d.logerr("checkAndDoTuning: tuning wait timeout")
		return d.trap(ErrTuningFailed)
	case phase == preData && state == TuningStart,
		phase == postData && state == TuningStartAfterData:
		return d.startTuning()
	}
	return nil
}

// requestRetuning marks a re-tune as due. It reports true when the bus is
// idle and the next request runs it, false when one is already pending or
// it was deferred until the transfer in flight completes.
func (d *Device) requestRetuning() bool {
	d.tunMu.Lock()
	defer d.tunMu.Unlock()
	switch d.tunState {
	case TuningStart, TuningOngoing, TuningStartAfterData:
		return false
	}
	if d.datState == DataIdle {
		d.tunState = TuningStart
		return true
	}
	d.tunState = TuningStartAfterData
	return false
}

// RequestRetuning schedules a clock re-tune. It is safe to call from any
// goroutine. See the re-tuning state machine in TuningState.
func (d *Device) RequestRetuning() bool {
	return d.requestRetuning()
}

// tuningPeriod returns the re-tuning timer period, zero when periodic
// re-tuning is off.
func (d *Device) tuningPeriod() time.Duration {
	exp := d.cfg.TuningPeriod
	if exp == 0 {
		exp = d.caps3.RetuningTimerCount()
	}
	if exp == 0 {
		return 0
	}
	return time.Second << (exp - 1)
}

func (d *Device) startTuningTimer() {
	d.tunePeriod = d.tuningPeriod()
	if d.tunePeriod == 0 || d.tuneTimer != nil {
		return
	}
	d.debug("startTuningTimer", slog.Duration("period", d.tunePeriod))
	d.tunMu.Lock()
	d.tuneTimer = d.clk.AfterFunc(d.tunePeriod, d.onTuneTimer)
	d.tunMu.Unlock()
}

func (d *Device) onTuneTimer() {
	d.requestRetuning()
	d.tunMu.Lock()
	if d.tuneTimer != nil {
		d.tuneTimer.Reset(d.tunePeriod)
	}
	d.tunMu.Unlock()
}

func (d *Device) stopTuningTimer() {
	d.tunMu.Lock()
	if d.tuneTimer != nil {
		d.tuneTimer.Stop()
		d.tuneTimer = nil
	}
	d.tunMu.Unlock()
}

// SetPeriodicTuning starts or stops periodic re-tuning. Stopping it runs a
// single tuning pass in the current mode.
func (d *Device) SetPeriodicTuning(on bool) error {
	d.acquire()
	defer d.release()
	if !d.cardInitDone {
		return ErrNotInitialized
	}
	d.tuningReqd = true
	if on {
		d.startTuningTimer()
		return nil
	}
	d.stopTuningTimer()
	err := d.runTuning()
	d.tuningReqd = false
	return err
}

func (d *Device) enableRetuningIntr() {
	d.intmask.Or(uint32(hcreg.IntrRetuning))
	d.or16(hcreg.IntrSignalEnable, uint16(hcreg.IntrRetuning))
	d.or16(hcreg.IntrStatusEnable, uint16(hcreg.IntrRetuning))
}

// disableRetuningIntr runs in interrupt context and touches registers
// without the request lock.
func (d *Device) disableRetuningIntr() {
	d.intmask.And(^uint32(hcreg.IntrRetuning))
	d.modify16(hcreg.IntrSignalEnable, uint16(hcreg.IntrRetuning), 0)
	d.modify16(hcreg.IntrStatusEnable, uint16(hcreg.IntrRetuning), 0)
}
