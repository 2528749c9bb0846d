package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/smoynes/elsie/internal/cli"
	"github.com/smoynes/elsie/internal/dxeservices"
	"github.com/smoynes/elsie/internal/gcd"
	"github.com/smoynes/elsie/internal/gcd/demo"
	"github.com/smoynes/elsie/internal/gcd/facade"
	"github.com/smoynes/elsie/internal/log"
)

// GCD returns the "gcd" sub-command: a small driver over a demo coherency
// domain (internal/gcd/demo), useful for poking at allocate/free/attribute
// behavior from a shell without writing Go.
func GCD() cli.Command {
	return &gcdCommand{}
}

type gcdCommand struct {
	watch bool
}

var _ cli.Command = (*gcdCommand)(nil)

func (gcdCommand) Description() string {
	return "drive a demo memory/IO coherency domain"
}

func (c *gcdCommand) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("gcd", flag.ExitOnError)
	fs.BoolVar(&c.watch, "watch", false, "for map, poll and reprint every second")

	return fs
}

func (gcdCommand) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `gcd <verb> [args]...

Drives a demo Global Coherency Domain. Verbs:

        map                          print the memory space map
        alloc <type> <strategy> <len> [align]
                                     allocate from the domain (type: system|mmio|reserved|persistent;
                                     strategy: bottomup|topdown)
        free <base> <len>           free a previously allocated range
        attrs <base> <len> <attrs>  set attributes (attrs: combination of uc,wc,wt,wb,rp,wp,xp,ro)
        services                     print the DXE services table header and verify its checksum`)

	return err
}

func (c *gcdCommand) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		fmt.Fprintln(out, "gcd: missing verb; try `gcdctl help gcd`")
		return 1
	}

	domain, err := demo.New(func(tag gcd.MutationTag, desc any) {
		logger.Debug("mutation", "tag", tag, "desc", desc)
	})
	if err != nil {
		fmt.Fprintln(out, "gcd:", err)
		return 1
	}

	switch args[0] {
	case "map":
		return c.runMap(ctx, domain, out)
	case "alloc":
		return c.runAlloc(domain, args[1:], out)
	case "free":
		return c.runFree(domain, args[1:], out)
	case "attrs":
		return c.runAttrs(domain, args[1:], out)
	case "services":
		return c.runServices(domain, out)
	default:
		fmt.Fprintf(out, "gcd: unknown verb %q\n", args[0])
		return 1
	}
}

func (c *gcdCommand) runMap(ctx context.Context, domain *facade.Domain, out io.Writer) int {
	print := func() error {
		descs, err := domain.Memory.GetMemoryDescriptors()
		if err != nil {
			return err
		}

		for _, d := range descs {
			fmt.Fprintf(out, "[%#010x,%#010x) %-14s caps=%#06x attrs=%#06x img=%d\n",
				d.BaseAddress, d.End(), d.MemoryType, d.Capabilities, d.Attributes, d.ImageHandle)
		}

		return nil
	}

	if err := print(); err != nil {
		fmt.Fprintln(out, "gcd:", err)
		return 1
	}

	if !c.watch {
		return 0
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			fmt.Fprintln(out, "---")

			if err := print(); err != nil {
				fmt.Fprintln(out, "gcd:", err)
				return 1
			}
		}
	}
}

func (c *gcdCommand) runAlloc(domain *facade.Domain, args []string, out io.Writer) int {
	if len(args) < 3 {
		fmt.Fprintln(out, "gcd alloc: want <type> <strategy> <len> [align]")
		return 1
	}

	memType, err := parseMemoryType(args[0])
	if err != nil {
		fmt.Fprintln(out, "gcd alloc:", err)
		return 1
	}

	strategy, err := parseStrategy(args[1])
	if err != nil {
		fmt.Fprintln(out, "gcd alloc:", err)
		return 1
	}

	length, err := parseUint(args[2])
	if err != nil {
		fmt.Fprintln(out, "gcd alloc:", err)
		return 1
	}

	var alignShift uint8

	if len(args) >= 4 {
		a, err := parseUint(args[3])
		if err != nil {
			fmt.Fprintln(out, "gcd alloc:", err)
			return 1
		}

		alignShift = uint8(a)
	}

	base, err := domain.AllocateMemorySpace(strategy, nil, memType, alignShift, length, gcd.HandleDxeCore, gcd.HandleNone)
	if err != nil {
		fmt.Fprintln(out, "gcd alloc:", err)
		return 1
	}

	fmt.Fprintf(out, "allocated [%#x,%#x)\n", base, base+length)

	return 0
}

func (c *gcdCommand) runFree(domain *facade.Domain, args []string, out io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(out, "gcd free: want <base> <len>")
		return 1
	}

	base, err := parseUint(args[0])
	if err != nil {
		fmt.Fprintln(out, "gcd free:", err)
		return 1
	}

	length, err := parseUint(args[1])
	if err != nil {
		fmt.Fprintln(out, "gcd free:", err)
		return 1
	}

	if err := domain.FreeMemorySpace(base, length); err != nil {
		fmt.Fprintln(out, "gcd free:", err)
		return 1
	}

	fmt.Fprintf(out, "freed [%#x,%#x)\n", base, base+length)

	return 0
}

func (c *gcdCommand) runAttrs(domain *facade.Domain, args []string, out io.Writer) int {
	if len(args) != 3 {
		fmt.Fprintln(out, "gcd attrs: want <base> <len> <attrs>")
		return 1
	}

	base, err := parseUint(args[0])
	if err != nil {
		fmt.Fprintln(out, "gcd attrs:", err)
		return 1
	}

	length, err := parseUint(args[1])
	if err != nil {
		fmt.Fprintln(out, "gcd attrs:", err)
		return 1
	}

	attrs, err := parseAttrs(args[2])
	if err != nil {
		fmt.Fprintln(out, "gcd attrs:", err)
		return 1
	}

	if err := domain.SetMemorySpaceAttributes(base, length, attrs); err != nil {
		fmt.Fprintln(out, "gcd attrs:", err)
		return 1
	}

	fmt.Fprintf(out, "set attrs=%#x on [%#x,%#x)\n", attrs, base, base+length)

	return 0
}

func (c *gcdCommand) runServices(domain *facade.Domain, out io.Writer) int {
	table := dxeservices.New(domain)

	fmt.Fprintf(out, "signature=%#x revision=%#x crc32=%#x verify=%t\n",
		dxeservices.Signature, dxeservices.Revision, crc32Of(table), table.Verify())

	return 0
}

func crc32Of(t *dxeservices.Table) uint32 {
	t.Seal()
	return t.CRC()
}

func parseMemoryType(s string) (gcd.MemoryType, error) {
	switch strings.ToLower(s) {
	case "system":
		return gcd.MemoryTypeSystemMemory, nil
	case "mmio":
		return gcd.MemoryTypeMMIO, nil
	case "reserved":
		return gcd.MemoryTypeReserved, nil
	case "persistent":
		return gcd.MemoryTypePersistent, nil
	default:
		return 0, fmt.Errorf("unknown memory type %q", s)
	}
}

func parseStrategy(s string) (gcd.AllocateStrategy, error) {
	switch strings.ToLower(s) {
	case "bottomup":
		return gcd.BottomUp, nil
	case "topdown":
		return gcd.TopDown, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func parseAttrs(s string) (uint64, error) {
	var attrs uint64

	for _, tok := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "uc":
			attrs |= gcd.MemoryUC
		case "wc":
			attrs |= gcd.MemoryWC
		case "wt":
			attrs |= gcd.MemoryWT
		case "wb":
			attrs |= gcd.MemoryWB
		case "rp":
			attrs |= gcd.MemoryRP
		case "wp":
			attrs |= gcd.MemoryWP
		case "xp":
			attrs |= gcd.MemoryXP
		case "ro":
			attrs |= gcd.MemoryRO
		case "":
			continue
		default:
			return 0, fmt.Errorf("unknown attribute %q", tok)
		}
	}

	return attrs, nil
}
