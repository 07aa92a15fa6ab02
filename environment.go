package blkmap

import (
	"context"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/blkmap/pkg/blockdev"
	"github.com/lab47/blkmap/pkg/physmem"
	"github.com/pkg/errors"
)

// Environment is a registry together with the backing devices and physical
// memory its configuration declared.
type Environment struct {
	Config    *Config
	Framework *blockdev.Framework
	Space     physmem.Space
	Registry  *Registry
}

// Open brings up everything cfg declares. Extra options are applied to the
// registry after the configured ones.
func Open(ctx context.Context, log hclog.Logger, cfg *Config, options ...Option) (*Environment, error) {
	fw, err := OpenDisks(ctx, log, cfg)
	if err != nil {
		return nil, err
	}

	space, err := OpenPhysMem(log, cfg.PhysMem)
	if err != nil {
		fw.Close()
		return nil, err
	}

	reg, err := NewRegistry(log, append([]Option{
		WithFramework(fw),
		WithPhysicalMemory(space),
		WithBlockSize(cfg.BlockSize),
	}, options...)...)
	if err != nil {
		fw.Close()
		return nil, err
	}

	return &Environment{
		Config:    cfg,
		Framework: fw,
		Space:     space,
		Registry:  reg,
	}, nil
}

// RunScript executes the configured startup script, if any, on con.
func (e *Environment) RunScript(con *Console) error {
	if e.Config.Script == "" {
		return nil
	}

	f, err := os.Open(e.Config.Script)
	if err != nil {
		return errors.Wrapf(err, "opening script")
	}

	defer f.Close()

	return errors.Wrapf(con.Run(f), "running %s", e.Config.Script)
}

func (e *Environment) Close() error {
	err := e.Registry.Close()

	// Block-map devices are gone now; close the backing devices under them.
	if ferr := e.Framework.Close(); ferr != nil && err == nil {
		err = ferr
	}

	if cl, ok := e.Space.(interface{ Close() error }); ok {
		if cerr := cl.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}

func diskBlocks(d *DiskConfig, bs int) (LBA, error) {
	if d.Size == "" {
		return 0, errors.Wrapf(ErrInvalidArgument, "%s disk needs a size", d.Class)
	}

	sz, err := ParseSize(d.Size)
	if err != nil {
		return 0, err
	}

	if sz == 0 || sz%uint64(bs) != 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "%s disk size %d is not a multiple of %d", d.Class, sz, bs)
	}

	return LBA(sz / uint64(bs)), nil
}

func openDisk(ctx context.Context, log hclog.Logger, d *DiskConfig, bs int) (blockdev.Device, error) {
	switch d.Class {
	case "ram":
		blocks, err := diskBlocks(d, bs)
		if err != nil {
			return nil, err
		}

		return blockdev.NewRAM(bs, blocks), nil
	case "file":
		if d.Path == "" {
			return nil, errors.Wrapf(ErrInvalidArgument, "file disk needs a path")
		}

		if _, err := os.Stat(d.Path); os.IsNotExist(err) && d.Size != "" {
			blocks, err := diskBlocks(d, bs)
			if err != nil {
				return nil, err
			}

			return blockdev.CreateFile(log, d.Path, bs, blocks)
		}

		return blockdev.OpenFile(log, d.Path, bs, d.ReadOnly)
	case "qcow2":
		if d.Path == "" {
			return nil, errors.Wrapf(ErrInvalidArgument, "qcow2 disk needs a path")
		}

		return blockdev.OpenQCOW2(log, d.Path, bs)
	case "bolt":
		if d.Path == "" {
			return nil, errors.Wrapf(ErrInvalidArgument, "bolt disk needs a path")
		}

		blocks, err := diskBlocks(d, bs)
		if err != nil {
			return nil, err
		}

		return blockdev.OpenBolt(log, d.Path, bs, blocks)
	case "s3":
		blocks, err := diskBlocks(d, bs)
		if err != nil {
			return nil, err
		}

		sc, err := blockdev.NewS3Client(ctx, d.Host, d.Region, d.AccessKey, d.SecretKey)
		if err != nil {
			return nil, err
		}

		return blockdev.NewS3(ctx, log, sc, bs, blocks, blockdev.S3Options{
			Bucket:      d.Bucket,
			Prefix:      d.Prefix,
			Compression: d.Compression,
			CacheBlocks: d.CacheBlocks,
		})
	case Class:
		return nil, errors.Wrapf(ErrInvalidArgument, "%s devices are created with the console", Class)
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown disk class %q", d.Class)
	}
}

// OpenDisks opens every configured disk and binds it into a new framework.
func OpenDisks(ctx context.Context, log hclog.Logger, cfg *Config) (*blockdev.Framework, error) {
	fw := blockdev.NewFramework()

	log = log.Named("disk")

	for i := range cfg.Disks {
		d := &cfg.Disks[i]

		dev, err := openDisk(ctx, log, d, cfg.BlockSize)
		if err != nil {
			fw.Close()
			return nil, errors.Wrapf(err, "opening %s disk", d.Class)
		}

		var index int

		if d.Index != nil {
			index = *d.Index
			err = fw.Bind(d.Class, index, dev)
		} else {
			index, err = fw.Add(d.Class, dev)
		}

		if err != nil {
			if cl, ok := dev.(blockdev.Closer); ok {
				cl.Close()
			}
			fw.Close()
			return nil, err
		}

		log.Info("attached disk", "class", d.Class, "index", index, "blocks", dev.Blocks(),
			"size", NiceSize(int64(dev.Blocks())*int64(dev.BlockSize())))
	}

	return fw, nil
}

func OpenPhysMem(log hclog.Logger, cfg *PhysMemConfig) (physmem.Space, error) {
	if cfg == nil {
		cfg = &PhysMemConfig{Size: DefaultPhysMemSize}
	}

	var base uint64

	if cfg.Base != "" {
		var err error
		base, err = ParseSize(cfg.Base)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Path != "" {
		return physmem.OpenFile(log.Named("physmem"), cfg.Path, base)
	}

	size, err := ParseSize(cfg.Size)
	if err != nil {
		return nil, err
	}

	return physmem.NewSandbox(base, int(size)), nil
}
