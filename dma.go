package sdhci

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"

	"github.com/soypat/sdhci/hcreg"
	"go.uber.org/multierr"
)

// dmaFill is the pattern the staging buffer starts out with, so unwritten
// regions stand out in dumps.
const dmaFill = 0xA5

// dmaMap allocates the page aligned staging and descriptor buffers.
func (d *Device) dmaMap() error {
	size := pageSize
	if d.cfg.Glom {
		size *= glomPages
	}
	buf, err := d.alloc.Alloc(size, pageSize)
	if err != nil {
		return err
	}
	if len(buf.Bytes()) < size || !isaligned(buf.PhysAddr(), pageSize) {
		return multierr.Append(errors.New("sdhci: bad DMA buffer"), buf.Close())
	}
	desc, err := d.alloc.Alloc(pageSize, pageSize)
	if err != nil {
		return multierr.Append(err, buf.Close())
	}
	if len(desc.Bytes()) < pageSize || !isaligned(desc.PhysAddr(), pageSize) {
		return multierr.Combine(errors.New("sdhci: bad DMA descriptor buffer"), desc.Close(), buf.Close())
	}
	data := buf.Bytes()
	for i := range data {
		data[i] = dmaFill
	}
	clear(desc.Bytes())
	d.dmaBuf, d.descBuf = buf, desc
	d.debug("dmaMap",
		slog.String("phys", hex32(uint32(buf.PhysAddr()))),
		slog.Int("size", size),
		slog.String("descphys", hex32(uint32(desc.PhysAddr()))),
	)
	return nil
}

func (d *Device) dmaUnmap() (err error) {
	if d.dmaBuf != nil {
		err = multierr.Append(err, d.dmaBuf.Close())
		d.dmaBuf = nil
	}
	if d.descBuf != nil {
		err = multierr.Append(err, d.descBuf.Close())
		d.descBuf = nil
	}
	return err
}

// programDMA points the controller at the staging buffer for the upcoming
// CMD53 of d.xferCount bytes.
func (d *Device) programDMA() {
	phys := uint32(d.dmaBuf.PhysAddr())
	switch d.dmaMode {
	case DMASDMA:
		d.wreg32(hcreg.SysAddr, phys)
		return
	case DMAADMA1, DMAADMA2:
	default:
		return
	}
	clear(d.descBuf.Bytes())
	last := uint16(hcreg.ADMAValid | hcreg.ADMAEnd | hcreg.ADMAInt | hcreg.ADMAActTran)
	if d.glomMultiDesc() && len(d.glom) > 0 {
		segs := d.glomSegments()
		for i, s := range segs {
			attr := uint16(hcreg.ADMAValid | hcreg.ADMAActTran)
			if i == len(segs)-1 {
				attr = last
			}
			d.putDesc(i, phys+s.off, s.n, attr)
		}
	} else {
		d.putDesc(0, phys, d.xferCount, last)
	}
	d.wreg32(hcreg.ADMASysAddr, uint32(d.descBuf.PhysAddr()))
	if d.msglevel.Load()&MsgDMA != 0 {
		d.dumpADMA()
	}
}

// putDesc writes descriptor i of the table for the active ADMA flavor.
func (d *Device) putDesc(i int, addr, n uint32, attr uint16) {
	tbl := d.descBuf.Bytes()
	if d.dmaMode == DMAADMA2 {
		w0, w1 := hcreg.ADMA2Desc{Attr: attr, Len: uint16(n), Addr: addr}.Words()
		binary.LittleEndian.PutUint32(tbl[8*i:], w0)
		binary.LittleEndian.PutUint32(tbl[8*i+4:], w1)
		return
	}
	// ADMA1 sets the length with one entry and transfers with the next.
	if addr&0xfff != 0 {
		d.warn("putDesc: ADMA1 address not 4KiB aligned", slog.String("addr", hex32(addr)))
	}
	binary.LittleEndian.PutUint32(tbl[8*i:], hcreg.ADMA1Set(n))
	binary.LittleEndian.PutUint32(tbl[8*i+4:], hcreg.ADMA1Tran(addr, uint32(attr)))
}

// DumpADMA logs the valid entries of the ADMA descriptor table.
func (d *Device) DumpADMA() {
	d.acquire()
	defer d.release()
	d.dumpADMA()
}

func (d *Device) dumpADMA() {
	if d.descBuf == nil {
		return
	}
	tbl := d.descBuf.Bytes()
	switch d.dmaMode {
	case DMAADMA2:
		for i := 0; 8*i+8 <= len(tbl); i++ {
			desc := hcreg.DecodeADMA2(binary.LittleEndian.Uint32(tbl[8*i:]), binary.LittleEndian.Uint32(tbl[8*i+4:]))
			if desc.Attr&hcreg.ADMAValid == 0 {
				break
			}
			d.info("adma2",
				slog.Int("idx", i),
				slog.String("addr", hex32(desc.Addr)),
				slog.Int("len", int(desc.Len)),
				slog.String("flags", admaFlags(desc.Attr, false)),
			)
			if desc.Attr&hcreg.ADMAActMask == hcreg.ADMAActLink || desc.Attr&hcreg.ADMAEnd != 0 {
				break
			}
		}
	case DMAADMA1:
		for i := 0; 4*i+4 <= len(tbl); i++ {
			w := binary.LittleEndian.Uint32(tbl[4*i:])
			if w&hcreg.ADMAValid == 0 {
				break
			}
			d.info("adma1",
				slog.Int("idx", i),
				slog.String("addr", hex32(w&0xFFFFF000)),
				slog.String("flags", admaFlags(uint16(w&hcreg.ADMAAttrMask), true)),
			)
			if w&hcreg.ADMAActMask == hcreg.ADMAActLink || w&hcreg.ADMAEnd != 0 {
				break
			}
		}
	}
}

func admaFlags(attr uint16, adma1 bool) string {
	var sb strings.Builder
	switch attr & hcreg.ADMAActMask {
	case hcreg.ADMAActLink:
		sb.WriteString("LINK")
	case hcreg.ADMAActTran:
		sb.WriteString("TRAN")
	case hcreg.ADMAActNop:
		sb.WriteString("NOP")
	default:
		if adma1 {
			sb.WriteString("SET")
		} else {
			sb.WriteString("RSV")
		}
	}
	if attr&hcreg.ADMAInt != 0 {
		sb.WriteString(" INT")
	}
	if attr&hcreg.ADMAEnd != 0 {
		sb.WriteString(" END")
	}
	if attr&hcreg.ADMAValid != 0 {
		sb.WriteString(" VALID")
	}
	return sb.String()
}
