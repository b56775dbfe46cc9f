package main

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/sdhci/sdio"
)

func token(index uint8, arg uint32) []byte {
	var b [sdio.TokenLen]byte
	sdio.PutToken(b[:], index, arg)
	return b[:]
}

func TestProcess(t *testing.T) {
	bus := BusCtl{ResponseWindow: 9}
	var sdo, sdi []byte
	add := func(tok []byte, r1 byte, data ...byte) {
		sdo = append(sdo, tok...)
		sdi = append(sdi, bytes.Repeat([]byte{0xff}, len(tok))...)
		// One byte of NCR before the response.
		sdo = append(sdo, 0xff, 0xff)
		sdi = append(sdi, 0xff, r1)
		sdo = append(sdo, data...)
		sdi = append(sdi, bytes.Repeat([]byte{0xff}, len(data))...)
	}
	add(token(sdio.CMD0, 0), 0x01)
	add(token(sdio.CMD55, 0), 0x01)
	add(token(41, 0x40000000), 0x00)
	add(token(sdio.CMD24, 0x200), 0x00, 0xfe, 0x80, 0x81)

	got := bus.process(sdo, sdi, 1.5)
	want := []sdtx{
		{Num: 1, Cmd: SDCmd{Index: 0, R1: 1}, Start: 1.5},
		{Num: 1, Cmd: SDCmd{Index: 55, R1: 1}, Start: 1.5},
		{Num: 1, Cmd: SDCmd{Index: 41, Arg: 0x40000000, App: true}, Start: 1.5},
		{Num: 1, Cmd: SDCmd{Index: 24, Arg: 0x200}, Data: []byte{0xfe, 0x80, 0x81}, Start: 1.5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal("process mismatch (-want +got):\n", diff)
	}
	if !got[2].Cmd.idle() || got[3].Cmd.idle() {
		t.Error("idle classification")
	}
}

func TestProcessBadCRC(t *testing.T) {
	tok := token(sdio.CMD17, 0x1000)
	tok[4] ^= 0x01
	sdi := bytes.Repeat([]byte{0xff}, len(tok)+4)
	bus := BusCtl{ResponseWindow: 4}
	got := bus.process(tok, sdi, 0)
	if len(got) != 1 || !got[0].Cmd.BadCRC || !got[0].Cmd.NoResp {
		t.Fatalf("want one bad CRC token without response, got %+v", got)
	}
	bus.Strict = true
	if got = bus.process(tok, sdi, 0); len(got) != 0 {
		t.Fatalf("strict mode kept %d tokens", len(got))
	}
}

func TestCollapse(t *testing.T) {
	poll := sdtx{Num: 1, Cmd: SDCmd{Index: 41, App: true, R1: 1}}
	txs := []sdtx{poll, poll, poll, {Num: 1, Cmd: SDCmd{Index: 2}}}
	got := collapse(txs)
	if len(got) != 2 || got[0].Num != 3 || got[1].Num != 1 {
		t.Fatalf("collapse: %+v", got)
	}
}
