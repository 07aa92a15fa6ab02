package blockdev

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/lab47/blkmap/pkg/entropy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// S3Client is the subset of the S3 API the S3 device uses.
type S3Client interface {
	manager.UploadAPIClient

	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Options struct {
	Bucket string
	Prefix string

	// Compression is "lz4" (default), "zstd" or "none".
	Compression string

	// CacheBlocks is the number of decoded blocks kept in memory.
	CacheBlocks int
}

const (
	encRaw  = byte(0)
	encLZ4  = byte(1)
	encZstd = byte(2)
)

const defaultCacheBlocks = 1024

// S3 is a sparse block device with one object per non-zero block. Absent
// objects read as zero.
type S3 struct {
	ctx    context.Context
	log    hclog.Logger
	sc     S3Client
	up     *manager.Uploader
	opts   S3Options
	bs     int
	blocks LBA

	enc   *zstd.Encoder
	dec   *zstd.Decoder
	cache *lru.Cache[LBA, []byte]
}

var _ Device = (*S3)(nil)

// NewS3Client builds an S3 client against host (empty for AWS) in the style
// of path-addressed, self-hosted object stores.
func NewS3Client(ctx context.Context, host, region, accessKey, secretKey string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, func(lo *config.LoadOptions) error {
		lo.Region = region

		if accessKey != "" {
			lo.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading s3 configuration")
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if host != "" {
			o.BaseEndpoint = aws.String(host)
		}
	}), nil
}

func NewS3(ctx context.Context, log hclog.Logger, sc S3Client, blockSize int, blocks LBA, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.Wrapf(ErrInvalidArgument, "s3 disk needs a bucket")
	}

	if opts.Compression == "" {
		opts.Compression = "lz4"
	}

	switch opts.Compression {
	case "lz4", "zstd", "none":
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown compression %q", opts.Compression)
	}

	if opts.CacheBlocks <= 0 {
		opts.CacheBlocks = defaultCacheBlocks
	}

	cache, err := lru.New[LBA, []byte](opts.CacheBlocks)
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &S3{
		ctx:    ctx,
		log:    log,
		sc:     sc,
		up:     manager.NewUploader(sc),
		opts:   opts,
		bs:     blockSize,
		blocks: blocks,
		enc:    enc,
		dec:    dec,
		cache:  cache,
	}, nil
}

func (s *S3) BlockSize() int {
	return s.bs
}

func (s *S3) Blocks() LBA {
	return s.blocks
}

func (s *S3) key(lba LBA) string {
	name := fmt.Sprintf("block.%016x", uint64(lba))
	if s.opts.Prefix == "" {
		return name
	}

	return s.opts.Prefix + "/" + name
}

func isNotFound(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}

	return false
}

func (s *S3) ReadBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	if err := checkBuffer(s.bs, cnt, buf); err != nil {
		return 0, err
	}

	cnt = clampCount(s.blocks, blk, cnt)

	for i := uint64(0); i < cnt; i++ {
		dest := buf[i*uint64(s.bs) : (i+1)*uint64(s.bs)]

		if err := s.readBlock(blk+LBA(i), dest); err != nil {
			return i, err
		}
	}

	return cnt, nil
}

func (s *S3) readBlock(lba LBA, dest []byte) error {
	if data, ok := s.cache.Get(lba); ok {
		if data == nil {
			clear(dest)
		} else {
			copy(dest, data)
		}
		return nil
	}

	key := s.key(lba)

	out, err := s.sc.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: &s.opts.Bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			clear(dest)
			s.cache.Add(lba, nil)
			return nil
		}

		s.log.Error("error fetching block object", "error", err, "key", key)
		return errors.Wrapf(err, "fetching block %d", lba)
	}

	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return err
	}

	if err := s.decode(raw, dest); err != nil {
		return errors.Wrapf(err, "decoding block %d", lba)
	}

	s.cache.Add(lba, bytes.Clone(dest))

	return nil
}

func (s *S3) decode(raw, dest []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty block object")
	}

	body := raw[1:]

	switch raw[0] {
	case encRaw:
		if len(body) != s.bs {
			return fmt.Errorf("raw block has wrong size (%d != %d)", len(body), s.bs)
		}
		copy(dest, body)
	case encLZ4:
		n, err := lz4.UncompressBlock(body, dest)
		if err != nil {
			return err
		}

		if n != s.bs {
			return fmt.Errorf("compressed block uncompressed wrong size (%d != %d)", n, s.bs)
		}
	case encZstd:
		out, err := s.dec.DecodeAll(body, dest[:0])
		if err != nil {
			return err
		}

		if len(out) != s.bs {
			return fmt.Errorf("compressed block uncompressed wrong size (%d != %d)", len(out), s.bs)
		}
	default:
		return fmt.Errorf("unknown block encoding %d", raw[0])
	}

	return nil
}

func (s *S3) encode(data []byte) ([]byte, error) {
	if s.opts.Compression == "none" || entropy.Of(data) > entropy.Incompressible {
		return append([]byte{encRaw}, data...), nil
	}

	switch s.opts.Compression {
	case "zstd":
		return s.enc.EncodeAll(data, []byte{encZstd}), nil
	default:
		buf := make([]byte, 1+lz4.CompressBlockBound(len(data)))
		buf[0] = encLZ4

		sz, err := lz4.CompressBlock(data, buf[1:], nil)
		if err != nil {
			return nil, err
		}

		// lz4 reports incompressible input as size 0
		if sz == 0 {
			return append([]byte{encRaw}, data...), nil
		}

		return buf[:1+sz], nil
	}
}

func (s *S3) WriteBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	if err := checkBuffer(s.bs, cnt, buf); err != nil {
		return 0, err
	}

	cnt = clampCount(s.blocks, blk, cnt)

	for i := uint64(0); i < cnt; i++ {
		data := buf[i*uint64(s.bs) : (i+1)*uint64(s.bs)]

		if err := s.writeBlock(blk+LBA(i), data); err != nil {
			return i, err
		}
	}

	return cnt, nil
}

func (s *S3) writeBlock(lba LBA, data []byte) error {
	key := s.key(lba)

	if emptyBlock(data) {
		_, err := s.sc.DeleteObject(s.ctx, &s3.DeleteObjectInput{
			Bucket: &s.opts.Bucket,
			Key:    &key,
		})
		if err != nil && !isNotFound(err) {
			return errors.Wrapf(err, "removing block %d", lba)
		}

		s.cache.Add(lba, nil)
		return nil
	}

	body, err := s.encode(data)
	if err != nil {
		return err
	}

	_, err = s.up.Upload(s.ctx, &s3.PutObjectInput{
		Bucket: &s.opts.Bucket,
		Key:    &key,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		s.log.Error("error uploading block object", "error", err, "key", key)
		return errors.Wrapf(err, "uploading block %d", lba)
	}

	s.log.Trace("uploaded block", "key", key, "stored", len(body), "encoding", body[0])

	s.cache.Add(lba, bytes.Clone(data))

	return nil
}

func (s *S3) Close() error {
	s.dec.Close()
	return s.enc.Close()
}
