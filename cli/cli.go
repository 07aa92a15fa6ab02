package cli

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/blkmap"
	"github.com/lab47/blkmap/pkg/blockdev"
	"github.com/lab47/blkmap/pkg/nbd"
	"github.com/lab47/cleo"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

type CLI struct {
	log hclog.Logger

	lc *cli.CLI
}

type Global struct {
	Config string `short:"c" long:"config" description:"blkmap configuration"`
	Debug  bool   `short:"D" long:"debug" description:"enable debug mode"`
}

func NewCLI(log hclog.Logger, args []string) (*CLI, error) {
	c := &CLI{
		log: log,
		lc:  cli.NewCLI("blkmap", "1.0"),
	}

	c.lc.Args = args

	err := c.setupCommands()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *CLI) Run() (int, error) {
	return c.lc.Run()
}

func (c *CLI) setupCommands() error {
	c.lc.Commands = map[string]cli.CommandFactory{
		"disks": func() (cli.Command, error) {
			return cleo.Infer("disks", "list the configured backing disks", c.disks), nil
		},
		"shell": func() (cli.Command, error) {
			return cleo.Infer("shell", "run blkmap commands interactively", c.shell), nil
		},
		"run": func() (cli.Command, error) {
			return cleo.Infer("run", "run a file of blkmap commands", c.run), nil
		},
		"serve": func() (cli.Command, error) {
			return cleo.Infer("serve", "export blkmap devices over nbd", c.serve), nil
		},
		"dd": func() (cli.Command, error) {
			return cleo.Infer("dd", "import data into a blkmap device", c.dd), nil
		},
		"sha256": func() (cli.Command, error) {
			return cleo.Infer("sha256", "hash the contents of a blkmap device", c.sha256), nil
		},
	}

	return nil
}

// open brings up the configured environment and runs its startup script.
func (c *CLI) open(ctx context.Context, opts Global, options ...blkmap.Option) (*blkmap.Environment, *blkmap.Console, error) {
	if opts.Debug {
		c.log.SetLevel(hclog.Trace)
	}

	cfg := blkmap.DefaultConfig()

	if opts.Config != "" {
		var err error
		cfg, err = blkmap.LoadConfig(opts.Config)
		if err != nil {
			c.log.Error("error loading configuration", "error", err)
			return nil, nil, err
		}
	}

	env, err := blkmap.Open(ctx, c.log, cfg, options...)
	if err != nil {
		c.log.Error("error opening environment", "error", err)
		return nil, nil, err
	}

	con := blkmap.NewConsole(c.log, env.Registry, os.Stdout)

	if err := env.RunScript(con); err != nil {
		env.Close()
		return nil, nil, err
	}

	return env, con, nil
}

func (c *CLI) closeEnv(env *blkmap.Environment) {
	if err := env.Close(); err != nil {
		c.log.Error("error closing environment", "error", err)
	}
}

func (c *CLI) disks(ctx context.Context, opts struct {
	Global
}) error {
	env, _, err := c.open(ctx, opts.Global)
	if err != nil {
		return err
	}

	defer c.closeEnv(env)

	tr := tabwriter.NewWriter(os.Stdout, 2, 2, 1, ' ', 0)
	defer tr.Flush()

	fmt.Fprintf(tr, "CLASS\tINDEX\tBLOCKS\tSIZE\n")

	for _, class := range env.Framework.Classes() {
		env.Framework.Each(class, func(index int, dev blockdev.Device) error {
			fmt.Fprintf(tr, "%s\t%d\t%d\t%s\n", class, index, dev.Blocks(),
				blkmap.NiceSize(int64(dev.Blocks())*int64(dev.BlockSize())))
			return nil
		})
	}

	return nil
}

func (c *CLI) shell(ctx context.Context, opts struct {
	Global
}) error {
	env, con, err := c.open(ctx, opts.Global)
	if err != nil {
		return err
	}

	defer c.closeEnv(env)

	br := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("=> ")

		if !br.Scan() {
			fmt.Println()
			return br.Err()
		}

		line := strings.TrimSpace(br.Text())

		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := con.Exec(line); err != nil {
			c.log.Debug("command failed", "command", line, "error", err)
		}
	}
}

func (c *CLI) run(ctx context.Context, opts struct {
	Global
	File string `short:"f" long:"file" description:"command file to run" required:"true"`
}) error {
	env, con, err := c.open(ctx, opts.Global)
	if err != nil {
		return err
	}

	defer c.closeEnv(env)

	f, err := os.Open(opts.File)
	if err != nil {
		return err
	}

	defer f.Close()

	if err := con.Run(f); err != nil {
		c.log.Error("error running commands", "path", opts.File, "error", err)
		return err
	}

	return nil
}

func (c *CLI) serve(ctx context.Context, opts struct {
	Global
	Addr        string `short:"a" long:"addr" description:"address to listen on (overrides the nbd block)"`
	MetricsAddr string `long:"metrics" description:"address to expose metrics on (overrides the metrics block)"`
}) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer cancel()

	env, con, err := c.open(ctx, opts.Global)
	if err != nil {
		return err
	}

	defer c.closeEnv(env)

	log := c.log
	cfg := env.Config

	// Every goroutine touching the registry holds mu.
	var mu sync.Mutex

	if cfg.NATS != nil {
		nc, err := blkmap.NewNATSConnector(log, &mu, env.Registry, cfg.NATS.URL, cfg.NATS.Id)
		if err != nil {
			log.Error("error connecting to nats", "error", err, "url", cfg.NATS.URL)
			return err
		}

		defer nc.Close()

		mu.Lock()
		env.Registry.SetEventHook(nc.PublishEvent)
		mu.Unlock()

		if err := nc.Start(ctx); err != nil {
			return err
		}

		log.Info("accepting control messages over nats", "url", cfg.NATS.URL, "id", cfg.NATS.Id)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGHUP)
	defer signal.Stop(ch)

	go func() {
		for range ch {
			var buf bytes.Buffer

			mu.Lock()
			con.SetOutput(&buf)
			con.Exec("blkmap info")
			con.SetOutput(os.Stdout)
			mu.Unlock()

			log.Info("device table by signal request", "devices", buf.String())
		}
	}()

	metricsAddr := opts.MetricsAddr
	if metricsAddr == "" && cfg.Metrics != nil {
		metricsAddr = cfg.Metrics.Addr
	}

	if metricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		// Will also include pprof via the init() in net/http/pprof
		go http.ListenAndServe(metricsAddr, nil)
	}

	addr := opts.Addr
	if addr == "" {
		addr = blkmap.DefaultNBDAddr
		if cfg.NBD != nil {
			addr = cfg.NBD.Addr
		}
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("error listening on addr", "error", err, "addr", addr)
		return err
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		l.Close()
	}()

	bs := uint32(env.Registry.BlockSize())

	nbdOpts := &nbd.Options{
		ReadOnly:           cfg.NBD != nil && cfg.NBD.ReadOnly,
		MinimumBlockSize:   bs,
		PreferredBlockSize: max(bs, 4096),
		SupportsMultiConn:  true,
	}

	log.Info("listening for connections", "addr", addr)

	var wg sync.WaitGroup

	for {
		conn, err := l.Accept()
		if err != nil {
			break
		}

		log.Info("connection to nbd server", "remote", conn.RemoteAddr().String())

		exports := blkmap.Exports(log, &mu, env.Registry)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()

			err := nbd.Handle(log, conn, exports, nbdOpts)
			if err != nil {
				log.Error("error handling nbd client", "error", err)
			}
		}()
	}

	wg.Wait()

	return nil
}

func (c *CLI) dd(ctx context.Context, opts struct {
	Global
	Device int    `short:"d" long:"device" description:"blkmap device to write to"`
	Input  string `short:"i" long:"input" description:"file or url to populate the device from" required:"true"`
	Seek   uint64 `long:"seek" description:"first block to write"`
	BS     int    `long:"bs" description:"number of blocks to write at a time (default 20)"`
	Expand bool   `long:"expand" description:"expand compressed files (like qcow2)"`
	Verify string `long:"verify" description:"sha256 of the data to check it against"`
}) error {
	env, _, err := c.open(ctx, opts.Global)
	if err != nil {
		return err
	}

	defer c.closeEnv(env)

	log := c.log

	var verify []byte
	if opts.Verify != "" {
		verify, err = hex.DecodeString(opts.Verify)
		if err != nil {
			return errors.Wrapf(err, "parsing verify sha256")
		}

		log.Info("expected sum of data", "sum", hex.EncodeToString(verify))
	}

	d, err := env.Registry.Lookup(blkmap.DeviceId(opts.Device))
	if err != nil {
		return err
	}

	var (
		reader io.Reader
		size   int64 = -1
	)

	if f, err := os.Open(opts.Input); err == nil {
		defer f.Close()

		if opts.Expand {
			img, err := qcow2reader.Open(f)
			if err != nil {
				return errors.Wrapf(err, "opening qcow2 file")
			}

			log.Info("detected file as qcow2 format")

			reader = io.NewSectionReader(img, 0, img.Size())
			size = img.Size()
		} else {
			log.Info("detected file as raw format")
			reader = f

			if fi, err := f.Stat(); err == nil {
				size = fi.Size()
			}
		}
	} else {
		resp, err := http.Get(opts.Input)
		if err != nil {
			return errors.Wrapf(err, "fetching url")
		}

		defer resp.Body.Close()

		reader = resp.Body
		size = resp.ContentLength
	}

	bs := opts.BS
	if bs == 0 {
		bs = 20
	}

	blockSize := d.BlockSize()

	bar := progressbar.DefaultBytes(size, "importing")

	h := sha256.New()

	buf := make([]byte, blockSize*bs)

	input := io.TeeReader(bufio.NewReader(reader), io.MultiWriter(h, bar))

	blk := blkmap.LBA(opts.Seek)

	var total int
	for {
		n, rerr := io.ReadFull(input, buf)

		if n > 0 {
			total += n

			// Pad the final partial block with zeros.
			blocks := (n + blockSize - 1) / blockSize
			clear(buf[n : blocks*blockSize])

			got, err := d.WriteBlocks(blk, uint64(blocks), buf)
			if err != nil {
				log.Error("error writing data", "error", err, "block", blk)
				return err
			}

			if got != uint64(blocks) {
				return errors.Wrapf(blkmap.ErrShortTransfer, "device ends at block %d", uint64(blk)+got)
			}

			blk += blkmap.LBA(blocks)
		}

		if rerr != nil {
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}

			return rerr
		}
	}

	bar.Finish()

	sum := h.Sum(nil)

	if len(verify) > 0 && !bytes.Equal(verify, sum) {
		log.Error("data imported and failed verification", "size", total,
			"sha256", hex.EncodeToString(sum),
			"expected", hex.EncodeToString(verify),
		)

		return errors.New("verification failed")
	}

	log.Info("data imported", "size", total, "sha256", hex.EncodeToString(sum), "blocks", uint64(blk)-opts.Seek)

	return nil
}

func (c *CLI) sha256(ctx context.Context, opts struct {
	Global
	Device int    `short:"d" long:"device" description:"blkmap device to hash"`
	Seek   uint64 `long:"seek" description:"start at the given block"`
	Count  uint64 `long:"count" description:"how many blocks to hash (default to the end of the device)"`
	BS     int    `long:"bs" description:"how many blocks to read at a time (default 20)"`
}) error {
	env, _, err := c.open(ctx, opts.Global)
	if err != nil {
		return err
	}

	defer c.closeEnv(env)

	log := c.log

	d, err := env.Registry.Lookup(blkmap.DeviceId(opts.Device))
	if err != nil {
		return err
	}

	bs := opts.BS
	if bs == 0 {
		bs = 20
	}

	blk := blkmap.LBA(opts.Seek)

	left := opts.Count
	if left == 0 && blk < d.Blocks() {
		left = uint64(d.Blocks() - blk)
	}

	h := sha256.New()
	buf := make([]byte, d.BlockSize()*bs)

	var total int

	start := time.Now()
	for left > 0 {
		cnt := min(left, uint64(bs))

		got, err := d.ReadBlocks(blk, cnt, buf)
		if err != nil {
			log.Error("error reading data", "error", err, "block", blk)
			return err
		}

		if got != cnt {
			return errors.Wrapf(blkmap.ErrShortTransfer, "block %d is not mapped", uint64(blk)+got)
		}

		b := buf[:cnt*uint64(d.BlockSize())]
		h.Write(b)

		total += len(b)
		left -= cnt
		blk += blkmap.LBA(cnt)
	}

	diff := time.Since(start)

	mbPerSec := (float64(total) / (1024 * 1024)) / diff.Seconds()

	fmt.Println(hex.EncodeToString(h.Sum(nil)))

	log.Info("data hashed", "size", total, "sha256", hex.EncodeToString(h.Sum(nil)), "elapsed", diff, "mb-per-sec", mbPerSec)

	return nil
}
