package process

import (
	"errors"
	"io"
	"os"
	"strings"
)

// Tail returns at most max trailing bytes of the file at path as valid UTF-8,
// and whether earlier content was cut off. A missing file yields "".
func Tail(path string, max int64) (string, bool, error) {
	// #nosec G304
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return "", false, err
	}
	size := fi.Size()
	if max <= 0 || size == 0 {
		return "", size > 0, nil
	}
	off := int64(0)
	truncated := false
	if size > max {
		off = size - max
		truncated = true
	}
	buf := make([]byte, size-off)
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", false, err
	}
	// a cut may land inside a multi-byte sequence
	return strings.ToValidUTF8(string(buf[:n]), "\uFFFD"), truncated, nil
}
