package stage

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Digest holds the size and hashes of a local file.
type Digest struct {
	Size   int64
	MD5    []byte
	SHA256 string // "sha256:<hex>"
}

// MD5Hex returns the MD5 as a hex string.
func (d Digest) MD5Hex() string {
	return hex.EncodeToString(d.MD5)
}

// ComputeDigest streams a file once and returns its size and hashes.
func ComputeDigest(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	m := md5.New()
	s := sha256.New()
	n, err := io.Copy(io.MultiWriter(m, s), f)
	if err != nil {
		return Digest{}, err
	}

	return Digest{
		Size:   n,
		MD5:    m.Sum(nil),
		SHA256: "sha256:" + hex.EncodeToString(s.Sum(nil)),
	}, nil
}
