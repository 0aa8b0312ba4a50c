package wire

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/spf13/afero"

	"github.com/syncbox/syncbox/pkg/errors"
)

// Digest algorithms supported on the wire. Checksums are rendered as hex
// so they survive the space-separated line format.
const (
	DigestMD5    = "md5"
	DigestSHA1   = "sha1"
	DigestSHA256 = "sha256"
)

// NewDigest returns a hasher for the named algorithm. Any name outside
// the three supported algorithms is a configuration error.
func NewDigest(algo string) (hash.Hash, error) {
	switch algo {
	case DigestMD5:
		return md5.New(), nil
	case DigestSHA1:
		return sha1.New(), nil
	case DigestSHA256:
		return sha256.New(), nil
	default:
		return nil, errors.NewFriendlyError(
			"Unknown checksum algorithm %q. Supported algorithms are "+
				"md5, sha1, and sha256.", algo)
	}
}

// ValidDigest reports whether `algo` names a supported algorithm.
func ValidDigest(algo string) bool {
	_, err := NewDigest(algo)
	return err == nil
}

// ChecksumFile returns the hex digest of the file at `path`.
func ChecksumFile(fs afero.Fs, path, algo string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher, err := NewDigest(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
