package chunker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashSize is the length of a hex encoded content hash.
const HashSize = 2 * sha1.Size

// Hash returns the hex encoded content hash of b.
func Hash(b []byte) string {
	h := sha1.Sum(b)
	return hex.EncodeToString(h[:])
}

// HashString returns the hex encoded content hash of s.
func HashString(s string) string {
	return Hash([]byte(s))
}

// HashReader returns the hex encoded content hash of everything read from r.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha1.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile returns the hex encoded content hash and size of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return HashReader(f)
}
