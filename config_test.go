package blkmap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/blkmap/pkg/blockdev"
	"github.com/lab47/blkmap/pkg/physmem"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	r := require.New(t)

	cases := map[string]uint64{
		"512":    512,
		"0x200":  512,
		"4k":     4096,
		"1M":     1 << 20,
		"2G":     2 << 30,
		"1T":     1 << 40,
		" 64M  ": 64 << 20,
	}

	for in, want := range cases {
		got, err := ParseSize(in)
		r.NoError(err, in)
		r.Equal(want, got, in)
	}

	for _, bad := range []string{"", "M", "12Q", "0xzz"} {
		_, err := ParseSize(bad)
		r.Error(err, bad)
	}

	r.Equal("1.000MB", NiceSize(1<<20))
	r.Equal("100b", NiceSize(100))
}

func TestConfig(t *testing.T) {
	t.Run("parses every block", func(t *testing.T) {
		r := require.New(t)

		cfg, err := ParseConfig("blkmap.hcl", []byte(`
block_size = 4096
script     = "boot.cmd"

physmem {
  base = "0x80000000"
  size = "16M"
}

disk "ram" {
  size = "1M"
}

disk "file" {
  index     = 3
  path      = "/var/lib/disk.img"
  read_only = true
}

disk "s3" {
  bucket      = "blocks"
  region      = "us-east-1"
  host        = "http://localhost:9000"
  size        = "1G"
  compression = "zstd"
}

nbd {
  addr = ":10809"
}

metrics {
  addr = ":2121"
}

nats {
  url = "nats://localhost:4222"
}
`))
		r.NoError(err)

		r.Equal(4096, cfg.BlockSize)
		r.Equal("boot.cmd", cfg.Script)
		r.Equal("0x80000000", cfg.PhysMem.Base)

		r.Len(cfg.Disks, 3)
		r.Equal("ram", cfg.Disks[0].Class)
		r.Nil(cfg.Disks[0].Index)
		r.Equal(3, *cfg.Disks[1].Index)
		r.True(cfg.Disks[1].ReadOnly)
		r.Equal("zstd", cfg.Disks[2].Compression)

		r.Equal(":10809", cfg.NBD.Addr)
		r.Equal(":2121", cfg.Metrics.Addr)
		r.Equal("default", cfg.NATS.Id)
	})

	t.Run("fills in defaults", func(t *testing.T) {
		r := require.New(t)

		cfg, err := ParseConfig("blkmap.hcl", []byte(`nbd {}`))
		r.NoError(err)

		r.Equal(DefaultBlockSize, cfg.BlockSize)
		r.Equal(DefaultPhysMemSize, cfg.PhysMem.Size)
		r.Equal(DefaultNBDAddr, cfg.NBD.Addr)
		r.Nil(cfg.Metrics)
		r.Nil(cfg.NATS)
	})

	t.Run("loads from a file", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "blkmap.hcl")
		r.NoError(os.WriteFile(path, []byte("block_size = 1024\n"), 0644))

		cfg, err := LoadConfig(path)
		r.NoError(err)
		r.Equal(1024, cfg.BlockSize)

		_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.hcl"))
		r.Error(err)
	})
}

func TestEnvironment(t *testing.T) {
	ctx := context.Background()
	log := hclog.New(&hclog.LoggerOptions{Name: "blkmap", Level: hclog.Trace})

	t.Run("opens configured disks", func(t *testing.T) {
		r := require.New(t)

		dir := t.TempDir()

		cfg, err := ParseConfig("blkmap.hcl", []byte(`
physmem {
  size = "1M"
}

disk "ram" {
  size = "64k"
}

disk "ram" {
  index = 4
  size  = "8k"
}

disk "file" {
  path = "`+filepath.Join(dir, "disk.img")+`"
  size = "32k"
}

disk "bolt" {
  path = "`+filepath.Join(dir, "disk.db")+`"
  size = "1M"
}
`))
		r.NoError(err)

		env, err := Open(ctx, log, cfg)
		r.NoError(err)
		defer env.Close()

		ram, err := env.Framework.Lookup("ram", 0)
		r.NoError(err)
		r.Equal(LBA(128), ram.Blocks())

		ram4, err := env.Framework.Lookup("ram", 4)
		r.NoError(err)
		r.Equal(LBA(16), ram4.Blocks())

		file, err := env.Framework.Lookup("file", 0)
		r.NoError(err)
		r.Equal(LBA(64), file.Blocks())

		_, err = env.Framework.Lookup("bolt", 0)
		r.NoError(err)

		sb, ok := env.Space.(*physmem.Sandbox)
		r.True(ok)
		r.Equal(1<<20, sb.Size())

		var out nopWriter
		con := NewConsole(log, env.Registry, out)

		r.NoError(con.Exec("blkmap create"))
		r.NoError(con.Exec("blkmap map 0 0 0x10 linear ram 4 0"))
		r.NoError(con.Exec("blkmap map 0 0x10 0x40 linear file 0 0"))
		r.NoError(con.Exec("blkmap map 0 0x50 0x80 linear bolt 0 0"))

		d, err := env.Registry.Lookup(0)
		r.NoError(err)
		r.Equal(LBA(0xd0), d.Blocks())

		data := fill(512, 0xd0, 1)
		n, err := d.WriteBlocks(0, 0xd0, data)
		r.NoError(err)
		r.Equal(uint64(0xd0), n)

		out2 := make([]byte, len(data))
		n, err = d.ReadBlocks(0, 0xd0, out2)
		r.NoError(err)
		r.Equal(uint64(0xd0), n)
		r.Equal(data, out2)

		r.NoError(env.Close())
		r.Equal(0, env.Registry.Len())
	})

	t.Run("runs the startup script", func(t *testing.T) {
		r := require.New(t)

		dir := t.TempDir()
		script := filepath.Join(dir, "boot.cmd")
		r.NoError(os.WriteFile(script, []byte("blkmap create 7\nblkmap map 7 0 8 mem 0x0\n"), 0644))

		cfg := DefaultConfig()
		cfg.Script = script

		env, err := Open(ctx, log, cfg)
		r.NoError(err)
		defer env.Close()

		r.NoError(env.RunScript(NewConsole(log, env.Registry, nopWriter{})))

		d, err := env.Registry.Lookup(7)
		r.NoError(err)
		r.Equal(LBA(8), d.Blocks())
	})

	t.Run("rejects bad disks", func(t *testing.T) {
		cases := map[string]string{
			"unknown class":     `disk "tape" { size = "1M" }`,
			"missing size":      `disk "ram" {}`,
			"unaligned size":    `disk "ram" { size = "1000" }`,
			"blkmap class":      `disk "blkmap" {}`,
			"file without path": `disk "file" {}`,
			"duplicate index": `
disk "ram" {
  size = "1k"
}

disk "ram" {
  index = 0
  size  = "1k"
}
`,
		}

		for name, src := range cases {
			t.Run(name, func(t *testing.T) {
				r := require.New(t)

				cfg, err := ParseConfig("blkmap.hcl", []byte(src))
				r.NoError(err)

				_, err = OpenDisks(ctx, log, cfg)
				r.Error(err)
			})
		}
	})

	t.Run("rejects mismatched block sizes", func(t *testing.T) {
		r := require.New(t)

		fw := blockdev.NewFramework()
		r.NoError(fw.Bind("ram", 0, blockdev.NewRAM(4096, 4)))

		reg := newTestRegistry(t, WithFramework(fw))

		id, err := reg.Create(nil)
		r.NoError(err)

		r.True(errors.Is(reg.AddLinear(id, 0, 4, "ram", 0, 0), ErrInvalidArgument))
	})
}

type nopWriter struct{}

func (nopWriter) Write(b []byte) (int, error) {
	return len(b), nil
}
