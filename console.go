package blkmap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var ErrUsage = errors.New("usage")

const usage = `blkmap info - list configured devices
blkmap dev [<dev>] - show or set current blkmap device
blkmap read <addr> <blk#> <cnt>
blkmap write <addr> <blk#> <cnt>
blkmap create [<dev>] - create device
blkmap destroy <dev> - destroy device
blkmap map <dev> <blk#> <cnt> linear <interface> <dev> <blk#> - device mapping
blkmap map <dev> <blk#> <cnt> mem <addr> - memory mapping
mw.b <addr> <value> [<count>] - fill memory
md.b <addr> [<count>] - display memory
cmp.b <addr1> <addr2> <count> - compare memory
`

// Console runs the block-map command language against a registry. Device
// numbers are decimal, addresses, block numbers and counts are hex.
type Console struct {
	log hclog.Logger
	reg *Registry
	out io.Writer

	cur DeviceId
}

func NewConsole(log hclog.Logger, reg *Registry, out io.Writer) *Console {
	return &Console{
		log: log.Named("console"),
		reg: reg,
		out: out,
	}
}

func (c *Console) SetOutput(w io.Writer) {
	c.out = w
}

// Current is the device read and write operate on.
func (c *Console) Current() DeviceId {
	return c.cur
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// Run executes every line of a script, stopping at the first failing command.
// Blank lines and lines starting with '#' are skipped.
func (c *Console) Run(r io.Reader) error {
	br := bufio.NewScanner(r)

	var lineNo int

	for br.Scan() {
		lineNo++

		line := strings.TrimSpace(br.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Exec(line); err != nil {
			return errors.Wrapf(err, "line %d: %s", lineNo, line)
		}
	}

	return br.Err()
}

func (c *Console) Exec(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}

	c.log.Debug("executing command", "command", line)

	var err error

	switch args[0] {
	case "blkmap":
		err = c.blkmap(args[1:])
	case "mw.b":
		err = c.memWrite(args[1:])
	case "md.b":
		err = c.memDisplay(args[1:])
	case "cmp.b":
		err = c.memCompare(args[1:])
	case "help":
		c.printf("%s", usage)
	default:
		c.printf("Unknown command '%s' - try 'help'\n", args[0])
		return errors.Wrapf(ErrUsage, "unknown command %q", args[0])
	}

	if errors.Is(err, ErrUsage) {
		c.printf("Usage:\n%s", usage)
	}

	return err
}

func (c *Console) blkmap(args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}

	switch args[0] {
	case "info":
		return c.info()
	case "dev":
		return c.dev(args[1:])
	case "read":
		return c.transfer("read", args[1:])
	case "write":
		return c.transfer("write", args[1:])
	case "create":
		return c.create(args[1:])
	case "destroy":
		return c.destroy(args[1:])
	case "map":
		return c.mapSlice(args[1:])
	default:
		return errors.Wrapf(ErrUsage, "unknown subcommand %q", args[0])
	}
}

// parseNum reads a number in base unless it carries an explicit 0x prefix.
func parseNum(s string, base int) (uint64, error) {
	if p, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		s, base = p, 16
	}

	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrUsage, "invalid number %q", s)
	}

	return v, nil
}

func parseHex(s string) (uint64, error) {
	return parseNum(s, 16)
}

func parseDevice(s string) (DeviceId, error) {
	v, err := parseNum(s, 10)
	if err != nil {
		return 0, err
	}

	return DeviceId(v), nil
}

func (c *Console) describe(d *Device) {
	bs := uint64(d.BlockSize())
	size := uint64(d.Blocks()) * bs

	mb := size / (1024 * 1024)
	mbFrac := (size % (1024 * 1024)) * 10 / (1024 * 1024)
	gb := mb / 1024
	gbFrac := (mb % 1024) * 10 / 1024

	c.printf("Vendor: %s Rev: %s Prod: %s\n", Vendor, Revision, Product)
	c.printf("            Type: Hard Disk\n")
	c.printf("            Capacity: %d.%d MB = %d.%d GB (%d x %d)\n",
		mb, mbFrac, gb, gbFrac, uint64(d.Blocks()), bs)
	c.printf("            Serial: %s\n", d.Serial())

	for _, s := range d.Slices() {
		c.printf("            Slice: %s\n", s)
	}
}

func (c *Console) info() error {
	devs := c.reg.Devices()
	if len(devs) == 0 {
		c.printf("\nno blkmap devices available\n")
		return nil
	}

	hdr := color.New(color.Bold)

	for _, d := range devs {
		hdr.Fprintf(c.out, "Device %d: ", d.Id())
		c.describe(d)
	}

	return nil
}

func (c *Console) dev(args []string) error {
	switch len(args) {
	case 0:
		d, err := c.reg.Lookup(c.cur)
		if err != nil {
			c.printf("\nno blkmap devices available\n")
			return err
		}

		c.printf("\nDevice %d: ", d.Id())
		c.describe(d)
		return nil
	case 1:
		id, err := parseDevice(args[0])
		if err != nil {
			return err
		}

		d, err := c.reg.Lookup(id)
		if err != nil {
			c.printf("\nblkmap device %d not available\n", id)
			return err
		}

		c.cur = id

		c.printf("\nDevice %d: ", id)
		c.describe(d)
		c.printf("... is now current device\n")
		return nil
	default:
		return ErrUsage
	}
}

// transfer moves blocks between physical memory and the current device.
func (c *Console) transfer(op string, args []string) error {
	if len(args) != 3 {
		return ErrUsage
	}

	addr, err := parseHex(args[0])
	if err != nil {
		return err
	}

	blk, err := parseHex(args[1])
	if err != nil {
		return err
	}

	cnt, err := parseHex(args[2])
	if err != nil {
		return err
	}

	d, err := c.reg.Lookup(c.cur)
	if err != nil {
		c.printf("\nblkmap device %d not available\n", c.cur)
		return err
	}

	c.printf("\nblkmap %s: device %d block # %d, count %d ... ", op, c.cur, blk, cnt)

	space := c.reg.PhysicalMemory()
	if space == nil {
		c.printf("no memory\n")
		return errors.Wrapf(ErrNoMemory, "no physical memory configured")
	}

	if !mappable(d.BlockSize(), cnt) {
		c.printf("unable to map %#x\n", addr)
		return errors.Wrapf(ErrInvalidArgument, "%#x blocks cannot be mapped at once", cnt)
	}

	buf, err := space.Map(addr, int(cnt)*d.BlockSize())
	if err != nil {
		c.printf("unable to map %#x\n", addr)
		return errors.Wrapf(ErrNoMemory, "mapping %#x: %s", addr, err)
	}

	defer func() {
		if err := space.Unmap(buf); err != nil {
			c.log.Error("error unmapping transfer buffer", "error", err, "addr", addr)
		}
	}()

	var n uint64
	if op == "read" {
		n, err = d.ReadBlocks(LBA(blk), cnt, buf)
	} else {
		n, err = d.WriteBlocks(LBA(blk), cnt, buf)
	}

	status := "OK"
	if err != nil || n != cnt {
		status = "ERROR"
	}

	verb := op
	if op == "write" {
		verb = "written"
	}

	c.printf("%d blocks %s: %s\n", n, verb, status)

	if err != nil {
		return err
	}

	if n != cnt {
		return errors.Wrapf(ErrShortTransfer, "%d of %d blocks", n, cnt)
	}

	return nil
}

func (c *Console) create(args []string) error {
	var id *DeviceId

	switch len(args) {
	case 0:
	case 1:
		want, err := parseDevice(args[0])
		if err != nil {
			return err
		}
		id = &want
	default:
		return ErrUsage
	}

	got, err := c.reg.Create(id)
	if err != nil {
		c.printf("Unable to create device: %s\n", err)
		return err
	}

	c.printf("Created device %d\n", got)
	return nil
}

func (c *Console) destroy(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}

	id, err := parseDevice(args[0])
	if err != nil {
		return err
	}

	if err := c.reg.Destroy(id); err != nil {
		c.printf("Unable to destroy device %d: %s\n", id, err)
		return err
	}

	c.printf("Destroyed device %d\n", id)
	return nil
}

func (c *Console) mapSlice(args []string) error {
	if len(args) < 4 {
		return ErrUsage
	}

	id, err := parseDevice(args[0])
	if err != nil {
		return err
	}

	blk, err := parseHex(args[1])
	if err != nil {
		return err
	}

	cnt, err := parseHex(args[2])
	if err != nil {
		return err
	}

	rest := args[3:]

	switch rest[0] {
	case "linear":
		if len(rest) < 4 {
			return ErrUsage
		}

		class := rest[1]

		index, err := parseNum(rest[2], 10)
		if err != nil {
			return err
		}

		target, err := parseNum(rest[3], 10)
		if err != nil {
			return err
		}

		if err := c.reg.AddLinear(id, LBA(blk), cnt, class, int(index), LBA(target)); err != nil {
			if errors.Is(err, ErrNotFound) {
				c.printf("Found no device matching \"%s %d\"\n", class, index)
			}
			c.printf("Unable to map \"%s %d\" at block 0x%x: %s\n", class, index, blk, err)
			return err
		}

		c.printf("Block 0x%x+0x%x mapped to block 0x%x of \"%s %d\"\n", blk, cnt, target, class, index)
		return nil
	case "mem":
		if len(rest) < 2 {
			return ErrUsage
		}

		addr, err := parseHex(rest[1])
		if err != nil {
			return err
		}

		if err := c.reg.AddPhysicalMemory(id, LBA(blk), cnt, addr); err != nil {
			c.printf("Unable to map %#x at block 0x%x: %s\n", addr, blk, err)
			return err
		}

		c.printf("Block 0x%x+0x%x mapped to %#x\n", blk, cnt, addr)
		return nil
	default:
		c.printf("Unknown map type \"%s\"\n", rest[0])
		return errors.Wrapf(ErrUsage, "unknown map type %q", rest[0])
	}
}

// withMemory maps size bytes at addr for the duration of fn.
func (c *Console) withMemory(addr uint64, size int, fn func(b []byte) error) error {
	space := c.reg.PhysicalMemory()
	if space == nil {
		return errors.Wrapf(ErrNoMemory, "no physical memory configured")
	}

	b, err := space.Map(addr, size)
	if err != nil {
		return errors.Wrapf(ErrNoMemory, "mapping %#x: %s", addr, err)
	}

	ferr := fn(b)

	if err := space.Unmap(b); err != nil && ferr == nil {
		ferr = err
	}

	return ferr
}

func (c *Console) memWrite(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return ErrUsage
	}

	addr, err := parseHex(args[0])
	if err != nil {
		return err
	}

	val, err := parseHex(args[1])
	if err != nil {
		return err
	}

	count := uint64(1)
	if len(args) == 3 {
		count, err = parseHex(args[2])
		if err != nil {
			return err
		}
	}

	if count == 0 {
		return nil
	}

	return c.withMemory(addr, int(count), func(b []byte) error {
		for i := range b {
			b[i] = byte(val)
		}
		return nil
	})
}

const mdLine = 16

func (c *Console) memDisplay(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return ErrUsage
	}

	addr, err := parseHex(args[0])
	if err != nil {
		return err
	}

	count := uint64(0x40)
	if len(args) == 2 {
		count, err = parseHex(args[1])
		if err != nil {
			return err
		}
	}

	if count == 0 {
		return nil
	}

	return c.withMemory(addr, int(count), func(b []byte) error {
		for off := 0; off < len(b); off += mdLine {
			line := b[off:min(off+mdLine, len(b))]

			var hex, ascii bytes.Buffer
			for _, x := range line {
				fmt.Fprintf(&hex, " %02x", x)

				if x >= 0x20 && x < 0x7f {
					ascii.WriteByte(x)
				} else {
					ascii.WriteByte('.')
				}
			}

			c.printf("%08x:%-*s    %s\n", addr+uint64(off), mdLine*3, hex.String(), ascii.String())
		}
		return nil
	})
}

func (c *Console) memCompare(args []string) error {
	if len(args) != 3 {
		return ErrUsage
	}

	a, err := parseHex(args[0])
	if err != nil {
		return err
	}

	b, err := parseHex(args[1])
	if err != nil {
		return err
	}

	count, err := parseHex(args[2])
	if err != nil {
		return err
	}

	if count == 0 {
		c.printf("Total of 0 byte(s) were the same\n")
		return nil
	}

	return c.withMemory(a, int(count), func(left []byte) error {
		return c.withMemory(b, int(count), func(right []byte) error {
			for i := range left {
				if left[i] != right[i] {
					c.printf("byte at 0x%08x (%#02x) != byte at 0x%08x (%#02x)\n",
						a+uint64(i), left[i], b+uint64(i), right[i])
					c.printf("Total of %d byte(s) were the same\n", i)
					return errors.Errorf("memory differs at offset %#x", i)
				}
			}

			c.printf("Total of %d byte(s) were the same\n", len(left))
			return nil
		})
	})
}
