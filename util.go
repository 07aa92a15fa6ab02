package blkmap

import (
	"crypto/sha256"
	"math"

	"github.com/hashicorp/go-hclog"
	"github.com/mr-tron/base58"
)

func rangeSum(b []byte) string {
	empty := true

	for _, x := range b {
		if x != 0 {
			empty = false
			break
		}
	}

	if empty {
		return "0"
	}

	x := sha256.Sum256(b)
	return base58.Encode(x[:])
}

func logBlocks(log hclog.Logger, msg string, bs int, idx LBA, data []byte) {
	for len(data) >= bs {
		log.Trace(msg, "block", idx, "sum", rangeSum(data[:bs]))
		data = data[bs:]
		idx++
	}
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// blocksFit reports whether buf holds cnt blocks of bs bytes.
func blocksFit(bs int, cnt uint64, buf []byte) bool {
	return cnt <= uint64(len(buf))/uint64(bs)
}

// mappable reports whether cnt blocks of bs bytes can be addressed as one
// mapping.
func mappable(bs int, cnt uint64) bool {
	return cnt <= uint64(math.MaxInt)/uint64(bs)
}
