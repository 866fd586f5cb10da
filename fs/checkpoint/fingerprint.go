package checkpoint

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/jmorganca/shardconv/ml"
)

// Fingerprint hashes a tensor's dtype, shape and stored bytes. Tensors with
// equal fingerprints are identical once written.
func Fingerprint(t *ml.Tensor) uint64 {
	h := xxhash.New()
	h.WriteString(string(t.DType()))

	buf := make([]byte, 8)
	for _, d := range t.Shape() {
		binary.LittleEndian.PutUint64(buf, uint64(d))
		h.Write(buf)
	}

	h.Write(encodeTensor(t))
	return h.Sum64()
}
