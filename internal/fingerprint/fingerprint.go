// Package fingerprint computes content checksums compatible with the object
// store's ETag scheme so local and remote copies can be compared without
// transferring bytes.
package fingerprint

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultPartSize matches the multipart threshold used by the uploader.
const DefaultPartSize int64 = 8 * 1024 * 1024

// Compute fingerprints data. A payload no larger than partSize yields the
// quoted hex MD5 of the whole payload; a larger one yields the hex MD5 of the
// concatenated per-part MD5 digests followed by "-" and the part count.
func Compute(data []byte, partSize int64) string {
	fp, _ := FromReader(bytes.NewReader(data), partSize)
	return fp
}

// FromReader fingerprints r, reading at most one part into memory at a time.
func FromReader(r io.Reader, partSize int64) (string, error) {
	if partSize <= 0 {
		return "", fmt.Errorf("invalid part size %d", partSize)
	}

	buf := make([]byte, partSize)
	var (
		digests []byte
		parts   int
	)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sum := md5.Sum(buf[:n])
			digests = append(digests, sum[:]...)
			parts++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read part %d: %w", parts+1, err)
		}
	}

	switch parts {
	case 0:
		sum := md5.Sum(nil)
		return quote(hex.EncodeToString(sum[:])), nil
	case 1:
		return quote(hex.EncodeToString(digests)), nil
	}

	outer := md5.Sum(digests)
	return hex.EncodeToString(outer[:]) + "-" + strconv.Itoa(parts), nil
}

// FromFile fingerprints the file at path.
func FromFile(path string, partSize int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return FromReader(f, partSize)
}

// Equal compares two fingerprints ignoring surrounding quotes; stores quote
// both forms in their ETags.
func Equal(a, b string) bool {
	return a != "" && strings.Trim(a, `"`) == strings.Trim(b, `"`)
}

// Parts returns the part count encoded in fp, 1 for the single-hash form.
func Parts(fp string) int {
	fp = strings.Trim(fp, `"`)
	i := strings.LastIndexByte(fp, '-')
	if i < 0 {
		return 1
	}
	n, err := strconv.Atoi(fp[i+1:])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func quote(s string) string { return `"` + s + `"` }
