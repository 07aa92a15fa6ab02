package blkmap

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/pkg/errors"
)

type Config struct {
	BlockSize int    `hcl:"block_size,optional"`
	Script    string `hcl:"script,optional"`

	PhysMem *PhysMemConfig `hcl:"physmem,block"`
	Disks   []DiskConfig   `hcl:"disk,block"`

	NBD     *NBDConfig     `hcl:"nbd,block"`
	Metrics *MetricsConfig `hcl:"metrics,block"`
	NATS    *NATSConfig    `hcl:"nats,block"`
}

// PhysMemConfig describes the physical address space memory slices map from.
// Without a path it is an in-process sandbox of Size bytes.
type PhysMemConfig struct {
	Base string `hcl:"base,optional"`
	Size string `hcl:"size,optional"`
	Path string `hcl:"path,optional"`
}

// DiskConfig declares one backing device. Class is one of ram, file, qcow2,
// bolt or s3.
type DiskConfig struct {
	Class string `hcl:"class,label"`
	Index *int   `hcl:"index,optional"`

	Path     string `hcl:"path,optional"`
	Size     string `hcl:"size,optional"`
	ReadOnly bool   `hcl:"read_only,optional"`

	Bucket      string `hcl:"bucket,optional"`
	Prefix      string `hcl:"prefix,optional"`
	Region      string `hcl:"region,optional"`
	Host        string `hcl:"host,optional"`
	AccessKey   string `hcl:"access_key,optional"`
	SecretKey   string `hcl:"secret_key,optional"`
	Compression string `hcl:"compression,optional"`
	CacheBlocks int    `hcl:"cache_blocks,optional"`
}

type NBDConfig struct {
	Addr     string `hcl:"addr,optional"`
	ReadOnly bool   `hcl:"read_only,optional"`
}

type MetricsConfig struct {
	Addr string `hcl:"addr"`
}

type NATSConfig struct {
	URL string `hcl:"url"`
	Id  string `hcl:"id,optional"`
}

const (
	DefaultPhysMemSize = "64M"
	DefaultNBDAddr     = ":8989"
)

func (c *Config) setDefaults() {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}

	if c.PhysMem == nil {
		c.PhysMem = &PhysMemConfig{}
	}

	if c.PhysMem.Size == "" && c.PhysMem.Path == "" {
		c.PhysMem.Size = DefaultPhysMemSize
	}

	if c.NBD != nil && c.NBD.Addr == "" {
		c.NBD.Addr = DefaultNBDAddr
	}

	if c.NATS != nil && c.NATS.Id == "" {
		c.NATS.Id = "default"
	}
}

// DefaultConfig is used when no configuration file is given.
func DefaultConfig() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func LoadConfig(path string) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.DecodeFile(path, &ctx, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "loading configuration %s", path)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// ParseConfig decodes configuration source. The filename must end in .hcl.
func ParseConfig(filename string, src []byte) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.Decode(filename, src, &ctx, &cfg)
	if err != nil {
		return nil, err
	}

	cfg.setDefaults()

	return &cfg, nil
}
