package localfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/syncharbor/syncharbor/pkg/quickxorhash"
)

// HashFile computes a content hash for path by streaming it through
// quickxorhash and folding the resulting 160-bit digest down to the 64-bit
// fingerprint stored as FileRecord.LocalHash.
func HashFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("localfs: opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := quickxorhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("localfs: hashing %s: %w", path, err)
	}

	return foldDigest(h.Sum(nil)), nil
}

// foldDigest XORs a quickxorhash.Size-byte digest's two 64-bit halves (the
// trailing 4 bytes folded into the low half) into a single uint64.
func foldDigest(digest []byte) uint64 {
	lo := binary.LittleEndian.Uint64(digest[0:8])
	hi := binary.LittleEndian.Uint64(digest[8:16])

	var tail uint64
	for i, b := range digest[16:] {
		tail |= uint64(b) << (8 * i)
	}

	return lo ^ hi ^ tail
}
