package util

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// NewHash returns a hash for a "<algorithm>:<hex>" checksum, and the expected hex digest.
func NewHash(checksum string) (hash.Hash, string, error) {
	algo, sum, ok := strings.Cut(checksum, ":")
	if !ok {
		return nil, "", fmt.Errorf("malformed checksum %q", checksum)
	}
	switch strings.ToLower(algo) {
	case "sha256":
		return sha256.New(), strings.ToLower(sum), nil
	case "sha1":
		return sha1.New(), strings.ToLower(sum), nil
	case "md5":
		return md5.New(), strings.ToLower(sum), nil
	default:
		return nil, "", fmt.Errorf("unsupported checksum algorithm %q", algo)
	}
}

// VerifyChecksum hashes the file at path and compares it with checksum.
func VerifyChecksum(path string, checksum string) (bool, error) {
	h, want, err := NewHash(checksum)
	if err != nil {
		return false, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == want, nil
}
