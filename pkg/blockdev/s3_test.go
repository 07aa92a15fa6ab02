package blockdev

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type memS3 struct {
	objects map[string][]byte
	gets    int
}

func newMemS3() *memS3 {
	return &memS3{objects: make(map[string][]byte)}
}

func (m *memS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.gets++

	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (m *memS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (m *memS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (m *memS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (m *memS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func TestS3(t *testing.T) {
	ctx := context.Background()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "s3disk",
		Level: hclog.Trace,
	})

	for _, comp := range []string{"lz4", "zstd", "none"} {
		t.Run("round trips blocks with "+comp, func(t *testing.T) {
			r := require.New(t)

			sc := newMemS3()

			d, err := NewS3(ctx, log, sc, 512, 32, S3Options{
				Bucket:      "disks",
				Prefix:      "vol0",
				Compression: comp,
			})
			r.NoError(err)
			defer d.Close()

			in := pattern(512, 3, 40)

			n, err := d.WriteBlocks(4, 3, in)
			r.NoError(err)
			r.Equal(uint64(3), n)

			r.Len(sc.objects, 3)
			r.Contains(sc.objects, "vol0/block.0000000000000004")

			// Drop the cache so the reads decode the stored objects.
			d.cache.Purge()

			out := make([]byte, 512*4)
			n, err = d.ReadBlocks(3, 4, out)
			r.NoError(err)
			r.Equal(uint64(4), n)

			r.Equal(make([]byte, 512), out[:512])
			r.Equal(in, out[512:])
		})
	}

	t.Run("stores random data raw", func(t *testing.T) {
		r := require.New(t)

		sc := newMemS3()

		d, err := NewS3(ctx, log, sc, 512, 4, S3Options{Bucket: "disks"})
		r.NoError(err)
		defer d.Close()

		in := make([]byte, 512)
		_, err = io.ReadFull(rand.Reader, in)
		r.NoError(err)

		_, err = d.WriteBlocks(0, 1, in)
		r.NoError(err)

		obj := sc.objects["block.0000000000000000"]
		r.Equal(encRaw, obj[0])
		r.Equal(in, obj[1:])
	})

	t.Run("zero writes remove the object", func(t *testing.T) {
		r := require.New(t)

		sc := newMemS3()

		d, err := NewS3(ctx, log, sc, 512, 4, S3Options{Bucket: "disks"})
		r.NoError(err)
		defer d.Close()

		_, err = d.WriteBlocks(1, 1, pattern(512, 1, 9))
		r.NoError(err)
		r.Len(sc.objects, 1)

		_, err = d.WriteBlocks(1, 1, make([]byte, 512))
		r.NoError(err)
		r.Len(sc.objects, 0)
	})

	t.Run("serves repeated reads from the cache", func(t *testing.T) {
		r := require.New(t)

		sc := newMemS3()

		d, err := NewS3(ctx, log, sc, 512, 4, S3Options{Bucket: "disks"})
		r.NoError(err)
		defer d.Close()

		out := make([]byte, 512)

		_, err = d.ReadBlocks(2, 1, out)
		r.NoError(err)
		_, err = d.ReadBlocks(2, 1, out)
		r.NoError(err)

		r.Equal(1, sc.gets)
	})

	t.Run("rejects unknown compression", func(t *testing.T) {
		r := require.New(t)

		_, err := NewS3(ctx, log, newMemS3(), 512, 4, S3Options{Bucket: "disks", Compression: "gzip"})
		r.True(errors.Is(err, ErrInvalidArgument))
	})
}

func TestS3Live(t *testing.T) {
	host := os.Getenv("S3_URL")
	if host == "" {
		t.Skip("no s3 url provided to test with")
	}

	r := require.New(t)
	ctx := context.Background()

	sc, err := NewS3Client(ctx, host, "us-east-1", "admin", "password")
	r.NoError(err)

	bucket := "blkmaptest"
	sc.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucket})

	d, err := NewS3(ctx, hclog.NewNullLogger(), sc, 512, 8, S3Options{Bucket: bucket, Prefix: "live"})
	r.NoError(err)
	defer d.Close()

	in := pattern(512, 2, 3)
	_, err = d.WriteBlocks(0, 2, in)
	r.NoError(err)

	d.cache.Purge()

	out := make([]byte, len(in))
	_, err = d.ReadBlocks(0, 2, out)
	r.NoError(err)
	r.Equal(in, out)
}
