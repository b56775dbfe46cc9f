// Command sdhctl attaches to a standard SD host controller through /dev/mem
// and pokes at the card behind it.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/soypat/sdhci"
	"github.com/soypat/sdhci/hostmem"
	"github.com/soypat/sdhci/sdio"
	"github.com/urfave/cli/v2"
	"periph.io/x/host/v3"
)

const (
	flagBase    = "base"
	flagDMA     = "dma"
	flagBus     = "bus"
	flagUHS     = "uhs"
	flagHS      = "highspeed"
	flagMemory  = "memory"
	flagBaseMHz = "base-mhz"
	flagVerbose = "verbose"
	flagCount   = "count"
)

var dmaModes = map[string]sdhci.DMAMode{
	"pio":   sdhci.DMANone,
	"sdma":  sdhci.DMASDMA,
	"adma1": sdhci.DMAADMA1,
	"adma2": sdhci.DMAADMA2,
	"auto":  sdhci.DMAAuto,
}

var busModes = map[string]sdhci.BusMode{
	"sd1": sdhci.BusSD1,
	"sd4": sdhci.BusSD4,
}

var uhsModes = map[string]sdhci.UHSMode{
	"off":    sdhci.UHSDisabled,
	"sdr12":  sdhci.UHSSDR12,
	"sdr25":  sdhci.UHSSDR25,
	"sdr50":  sdhci.UHSSDR50,
	"sdr104": sdhci.UHSSDR104,
	"ddr50":  sdhci.UHSDDR50,
	"auto":   sdhci.UHSAuto,
}

func choices[T any](m map[string]T) string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return strings.Join(keys, ", ")
}

var app = &cli.App{
	Name:  "sdhctl",
	Usage: "drive an SD host controller from userspace",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     flagBase,
			Usage:    "physical address of the controller register file",
			Required: true,
		},
		&cli.StringFlag{Name: flagDMA, Value: "auto", Usage: "DMA mode: " + choices(dmaModes)},
		&cli.StringFlag{Name: flagBus, Value: "sd4", Usage: "bus width: " + choices(busModes)},
		&cli.StringFlag{Name: flagUHS, Value: "off", Usage: "UHS-I mode: " + choices(uhsModes)},
		&cli.BoolFlag{Name: flagHS, Usage: "enable high speed in legacy mode"},
		&cli.BoolFlag{Name: flagMemory, Usage: "the card is an SD/MMC memory card"},
		&cli.UintFlag{Name: flagBaseMHz, Usage: "base clock when the capabilities report none"},
		&cli.BoolFlag{Name: flagVerbose, Aliases: []string{"v"}, Usage: "debug logging"},
	},
	Commands: []*cli.Command{
		{
			Name:   "info",
			Usage:  "initialize and print negotiated parameters",
			Action: withDevice(infoAction),
		},
		{
			Name:   "regs",
			Usage:  "log the host controller register file",
			Action: withDevice(func(_ *cli.Context, d *sdhci.Device) error { d.DumpRegisters(); return nil }),
		},
		{
			Name:      "peek",
			Usage:     "read a card register with CMD52",
			ArgsUsage: "<fn> <addr>",
			Action:    withDevice(peekAction),
		},
		{
			Name:      "poke",
			Usage:     "write a card register with CMD52 and read it back",
			ArgsUsage: "<fn> <addr> <value>",
			Action:    withDevice(pokeAction),
		},
		{
			Name:      "cis",
			Usage:     "dump and decode a function's CIS",
			ArgsUsage: "<fn>",
			Action:    withDevice(cisAction),
		},
		{
			Name:  "var",
			Usage: "get and set driver variables",
			Subcommands: []*cli.Command{
				{
					Name:   "list",
					Action: withDevice(func(_ *cli.Context, d *sdhci.Device) error { fmt.Println(strings.Join(d.VarNames(), "\n")); return nil }),
				},
				{
					Name:      "get",
					ArgsUsage: "<name> [params...]",
					Action:    withDevice(varGetAction),
				},
				{
					Name:      "set",
					ArgsUsage: "<name> <value> [params...]",
					Action:    withDevice(varSetAction),
				},
			},
		},
		{
			Name:      "read",
			Usage:     "hex dump blocks of a memory card",
			ArgsUsage: "<lba>",
			Flags:     []cli.Flag{&cli.IntFlag{Name: flagCount, Value: 1}},
			Action:    withDevice(readAction),
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// withDevice attaches to the controller for the duration of action.
func withDevice(action func(*cli.Context, *sdhci.Device) error) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		cfg, base, err := configFromFlags(c)
		if err != nil {
			return err
		}
		if _, err = host.Init(); err != nil {
			return fmt.Errorf("periph init: %w", err)
		}
		win, err := hostmem.Map(base)
		if err != nil {
			return err
		}
		defer win.Close()
		d, err := sdhci.Attach(win, nil, hostmem.Allocator{}, cfg)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, d.Detach()) }()
		return action(c, d)
	}
}

func configFromFlags(c *cli.Context) (sdhci.Config, uint64, error) {
	cfg := sdhci.DefaultConfig()
	base, err := strconv.ParseUint(c.String(flagBase), 0, 64)
	if err != nil {
		return cfg, 0, fmt.Errorf("bad --%s: %w", flagBase, err)
	}
	var ok bool
	if cfg.DMAMode, ok = dmaModes[c.String(flagDMA)]; !ok {
		return cfg, 0, fmt.Errorf("bad --%s, want one of %s", flagDMA, choices(dmaModes))
	}
	if cfg.BusMode, ok = busModes[c.String(flagBus)]; !ok {
		return cfg, 0, fmt.Errorf("bad --%s, want one of %s", flagBus, choices(busModes))
	}
	if cfg.UHSMode, ok = uhsModes[c.String(flagUHS)]; !ok {
		return cfg, 0, fmt.Errorf("bad --%s, want one of %s", flagUHS, choices(uhsModes))
	}
	cfg.HighSpeed = c.Bool(flagHS)
	if c.Bool(flagMemory) {
		cfg.CardType = sdhci.CardMemory
	}
	cfg.BaseClockMHz = uint32(c.Uint(flagBaseMHz))
	level := slog.LevelInfo
	if c.Bool(flagVerbose) {
		level = slog.LevelDebug
		cfg.MsgLevel |= sdhci.MsgInfo | sdhci.MsgDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, base, nil
}

func uintArgs(c *cli.Context, min int) ([]uint32, error) {
	if c.Args().Len() < min {
		return nil, fmt.Errorf("want at least %d arguments", min)
	}
	out := make([]uint32, c.Args().Len())
	for i, s := range c.Args().Slice() {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

func infoAction(_ *cli.Context, d *sdhci.Device) error {
	spec, vendor := d.Version()
	caps, caps3 := d.Caps()
	fmt.Printf("version   %d (vendor %d)\n", spec, vendor)
	fmt.Printf("caps      %#08x %#08x\n", uint32(caps), uint32(caps3))
	fmt.Printf("dma       %s\n", d.DMAMode())
	fmt.Printf("bus       %s\n", d.BusMode())
	fmt.Printf("uhs       %s tuning=%v\n", d.UHSMode(), d.TuningRequired())
	fmt.Printf("clock     %s\n", d.SDClock())
	if d.MemoryKind() != sdhci.MemoryNone {
		geo, err := d.Geometry()
		if err != nil {
			return err
		}
		fmt.Printf("card      %s, %d sectors (%d MiB)\n", d.MemoryKind(), geo.Blocks512, geo.Blocks512/2048)
		return nil
	}
	fmt.Printf("rca       %#04x\n", d.RCA())
	for fn := uint8(0); fn <= d.NumFuncs(); fn++ {
		fmt.Printf("f%d        blocksize=%d\n", fn, d.BlockSize(fn))
	}
	return nil
}

func peekAction(c *cli.Context, d *sdhci.Device) error {
	args, err := uintArgs(c, 2)
	if err != nil {
		return err
	}
	v, err := d.ReadByte(uint8(args[0]), args[1])
	if err != nil {
		return err
	}
	fmt.Printf("f%d:%#05x = %#02x\n", args[0], args[1], v)
	return nil
}

func pokeAction(c *cli.Context, d *sdhci.Device) error {
	args, err := uintArgs(c, 3)
	if err != nil {
		return err
	}
	v, err := d.WriteReadByte(uint8(args[0]), args[1], byte(args[2]))
	if err != nil {
		return err
	}
	fmt.Printf("f%d:%#05x = %#02x\n", args[0], args[1], v)
	return nil
}

func cisAction(c *cli.Context, d *sdhci.Device) error {
	args, err := uintArgs(c, 1)
	if err != nil {
		return err
	}
	var buf [256]byte
	if err = d.ReadCIS(uint8(args[0]), buf[:]); err != nil {
		return err
	}
	fmt.Print(hex.Dump(buf[:]))
	tuples, err := sdio.ParseCIS(buf[:])
	if err != nil {
		fmt.Println("parse:", err)
	}
	for _, t := range tuples {
		fmt.Printf("tuple %#02x len=%d % x\n", t.Code, len(t.Body), t.Body)
	}
	manfids := lo.FilterMap(tuples, func(t sdio.Tuple, _ int) (string, bool) {
		manf, card, ok := t.ManfID()
		return fmt.Sprintf("%#04x:%#04x", manf, card), ok
	})
	if len(manfids) > 0 {
		fmt.Println("manfid", strings.Join(manfids, " "))
	}
	return nil
}

func varGetAction(c *cli.Context, d *sdhci.Device) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("want variable name")
	}
	params, err := parseRest(c.Args().Tail())
	if err != nil {
		return err
	}
	v, err := d.GetVar(name, params...)
	if err != nil {
		return err
	}
	fmt.Printf("%s = %d (%#x)\n", name, v, v)
	return nil
}

func varSetAction(c *cli.Context, d *sdhci.Device) error {
	if c.Args().Len() < 2 {
		return errors.New("want name and value")
	}
	rest, err := parseRest(c.Args().Tail())
	if err != nil {
		return err
	}
	return d.SetVar(c.Args().First(), rest[0], rest[1:]...)
}

func parseRest(args []string) ([]uint32, error) {
	out := make([]uint32, 0, len(args))
	for _, s := range args {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

func readAction(c *cli.Context, d *sdhci.Device) error {
	args, err := uintArgs(c, 1)
	if err != nil {
		return err
	}
	n := c.Int(flagCount)
	if n <= 0 {
		return fmt.Errorf("bad --%s", flagCount)
	}
	buf := make([]byte, n*512)
	if err = d.ReadBlocks(args[0], n, buf); err != nil {
		return err
	}
	fmt.Print(hex.Dump(buf))
	return nil
}
