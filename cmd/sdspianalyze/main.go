package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"github.com/soypat/sdhci/sdio"
)

// Optional flags.
var (
	timingsOutput string
)

// BusCtl controls how captured SPI transactions are decoded.
type BusCtl struct {
	// Number of bytes after a token searched for the R1 response.
	ResponseWindow int
	OmitData       bool
	// OmitIdle drops CMD0 and ACMD41 polling noise.
	OmitIdle bool
	// Strict discards tokens that fail the CRC7 check.
	Strict bool
}

func main() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "sdspianalyze - Decode SD/SDIO SPI mode command tokens from Saleae binary digital exports.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	mosi := flag.String("f-mosi", "digital_1.bin", "Input filename: SPI MOSI (card DI) data.")
	miso := flag.String("f-miso", "digital_3.bin", "Input filename: SPI MISO (card DO) data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI clock data.")
	output := flag.String("o-cmd", "commands.txt", "Output filename of decoded command tokens.")

	flag.StringVar(&timingsOutput, "o-time", "", "Output timing data to a file corresponding to output command history line-by-line.")
	flagWindow := flag.Int("rsp-window", 9, "Bytes after a command token searched for the R1 response (NCR+1).")
	omitData := flag.Bool("omit-data", false, "Omit trailing data bytes in output.")
	omitIdle := flag.Bool("omit-idle", false, "Omit CMD0, CMD55 and ACMD41 tokens.")
	strict := flag.Bool("strict", false, "Drop tokens with bad CRC7.")
	flag.Parse()
	bus := BusCtl{
		ResponseWindow: *flagWindow,
		OmitData:       *omitData,
		OmitIdle:       *omitIdle,
		Strict:         *strict,
	}
	if bus.ResponseWindow <= 0 {
		log.Fatal("response window must be positive")
	}
	start := time.Now()
	if err := bus.run(*mosi, *miso, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

func (bus *BusCtl) run(mosi, miso, enable, clk, output string) error {
	const fmtMsg = "cmd×%2d %s"
	commands, err := bus.processSpiFiles(mosi, miso, clk, enable)
	if err != nil {
		return err
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	var timings *os.File
	if timingsOutput != "" {
		log.Println("creating timings file", timingsOutput)
		timings, err = os.Create(timingsOutput)
		if err != nil {
			return err
		}
		defer timings.Close()
	}
	for _, action := range commands {
		if bus.OmitIdle && action.Cmd.idle() {
			continue
		}
		fmt.Fprintf(fp, fmtMsg, action.Num, action.Cmd.String())
		if !bus.OmitData && len(action.Data) > 0 {
			fmt.Fprintf(fp, " data=%#x", action.Data)
		}
		if _, err = fmt.Fprintln(fp); err != nil {
			return err
		}
		if timings != nil {
			fmt.Fprintf(timings, "t=%f\tcmd=%d\n", action.Start, action.Cmd.Index)
		}
	}
	return nil
}

func (bus *BusCtl) processSpiFiles(fmosi, fmiso, fclk, fenable string) ([]sdtx, error) {
	mosi, err := opendigital(fmosi)
	if err != nil {
		return nil, err
	}
	miso, err := opendigital(fmiso)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, mosi, miso)
	var out []sdtx
	for _, tx := range txs {
		out = append(out, bus.process(tx.SDO, tx.SDI, tx.StartTime())...)
	}
	return collapse(out), nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

// SDCmd is a command token with the R1 response that followed it.
type SDCmd struct {
	Index  uint8
	Arg    uint32
	App    bool // Preceded by CMD55.
	R1     uint8
	NoResp bool
	BadCRC bool
}

func (cmd SDCmd) idle() bool {
	return cmd.Index == sdio.CMD0 || cmd.Index == sdio.CMD55 || cmd.App && cmd.Index == 41
}

func (cmd SDCmd) String() string {
	name := fmt.Sprintf("CMD%d", cmd.Index)
	if cmd.App {
		name = "A" + name
	}
	s := fmt.Sprintf("%-6s arg=%#08x", name, cmd.Arg)
	switch cmd.Index {
	case sdio.CMD52, sdio.CMD53:
		a := sdio.Arg(cmd.Arg)
		s += fmt.Sprintf(" fn=%d addr=%#05x write=%5v", a.Func(), a.Addr(), a.Write())
	}
	if cmd.NoResp {
		s += " r1=none"
	} else {
		s += fmt.Sprintf(" r1=%#02x", cmd.R1)
	}
	if cmd.BadCRC {
		s += " crc=bad"
	}
	return s
}

type sdtx struct {
	Num   int
	Cmd   SDCmd
	Data  []byte
	Start float64
}

// process extracts the command tokens of one chip select window. sdo is the
// host to card line, sdi the card to host line.
func (bus *BusCtl) process(sdo, sdi []byte, start float64) (txs []sdtx) {
	app := false
	for i := 0; i+sdio.TokenLen <= len(sdo); i++ {
		tok, err := sdio.DecodeToken(sdo[i:])
		if err != nil && (bus.Strict || tok == (sdio.Token{})) {
			continue
		}
		cmd := SDCmd{Index: tok.Index, Arg: tok.Arg, App: app, BadCRC: err != nil}
		end := i + sdio.TokenLen
		cmd.R1, cmd.NoResp = findR1(sdi, end, bus.ResponseWindow)
		app = cmd.Index == sdio.CMD55 && !cmd.NoResp
		next := nextStart(sdo[end:])
		var data []byte
		if next < 0 {
			data = trimIdle(sdo[end:])
			i = len(sdo)
		} else {
			data = trimIdle(sdo[end : end+next])
			i = end + next - 1
		}
		if len(data) == 0 {
			data = nil
		}
		txs = append(txs, sdtx{Num: 1, Cmd: cmd, Data: data, Start: start})
	}
	return txs
}

// nextStart returns the index of the next byte carrying token start bits.
func nextStart(b []byte) int {
	for i, v := range b {
		if v&0xc0 == 0x40 {
			return i
		}
	}
	return -1
}

// findR1 returns the first byte with the top bit clear within window bytes
// after off.
func findR1(sdi []byte, off, window int) (r1 uint8, none bool) {
	for i := off; i < len(sdi) && i < off+window; i++ {
		if sdi[i]&0x80 == 0 {
			return sdi[i], false
		}
	}
	return 0xff, true
}

// trimIdle strips the 0xff filler clocked out between tokens.
func trimIdle(b []byte) []byte {
	for len(b) > 0 && b[0] == 0xff {
		b = b[1:]
	}
	for len(b) > 0 && b[len(b)-1] == 0xff {
		b = b[:len(b)-1]
	}
	return b
}

// collapse merges consecutive identical transactions into one with a count.
func collapse(txs []sdtx) (out []sdtx) {
	for i := 0; i < len(txs); i++ {
		tx := txs[i]
		for j := i + 1; j < len(txs); j++ {
			if txs[j].Cmd != tx.Cmd || !bytes.Equal(txs[j].Data, tx.Data) {
				break
			}
			tx.Num++
			i = j
		}
		out = append(out, tx)
	}
	return out
}
