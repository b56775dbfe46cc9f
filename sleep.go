package sdhci

import (
	"log/slog"

	"github.com/soypat/sdhci/sdio"
)

// Sleep puts the card to sleep or wakes it with CMD14. CMD14 is retried
// while the card's always-on domain takes over. Waking selects the card
// again with CMD7.
func (d *Device) Sleep(enter bool) error {
	d.acquire()
	defer d.release()
	arg := sdio.CMD14Arg(d.rca, enter)
	var err error
	for retries := retriesSleep; retries > 0; retries-- {
		if err = d.issueCommand(d.dmaMode != DMANone, sdio.CMD14, arg); err == nil {
			break
		}
		d.delay(sleepRetryDelay)
	}
	if err != nil {
		d.logerr("Sleep: CMD14 failed", slog.Bool("enter", enter), slog.String("err", err.Error()))
		return err
	}
	d.info("Sleep: CMD14", slog.Bool("enter", enter), slog.String("rsp", hex32(d.response())))
	if enter {
		return nil
	}
	return d.selectCard()
}
