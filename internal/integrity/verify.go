package integrity

import (
	"io"
	"os"

	"github.com/Augani/stormdl/internal/errors"
)

const rehashChunkSize = 256 * 1024

// HashFileRange hashes the on-disk bytes [offset, offset+length) of path.
// Resume uses this to decide whether a persisted checkpoint can be trusted.
func HashFileRange(path, algorithm string, offset, length int64) (string, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errors.NewStorageError(err, path)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", errors.NewStorageError(err, path)
	}

	buf := make([]byte, rehashChunkSize)
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(f, buf[:n])
		if read > 0 {
			h.Update(buf[:read])
			remaining -= int64(read)
		}
		if err != nil {
			return "", errors.NewStorageError(err, path)
		}
	}
	return h.Sum(), nil
}

// RehashToCheckpoint rebuilds a segment accumulator by hashing the on-disk
// bytes [offset, offset+length) of path. Used after an unclean shutdown when
// the persisted checkpoint is untrusted.
func RehashToCheckpoint(path, algorithm string, offset, length int64) (*Hasher, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewStorageError(err, path)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, errors.NewStorageError(err, path)
	}

	buf := make([]byte, rehashChunkSize)
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(f, buf[:n])
		if read > 0 {
			h.Update(buf[:read])
			remaining -= int64(read)
		}
		if err != nil {
			return nil, errors.NewStorageError(err, path)
		}
	}
	return h, nil
}

// VerifyFile hashes the whole file and compares it against expected. This is
// the final gate before a download is marked complete.
func VerifyFile(path, algorithm, expected string) error {
	h, err := NewHasher(algorithm)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.NewStorageError(err, path)
	}
	defer f.Close()

	buf := make([]byte, rehashChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Update(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.NewStorageError(err, path)
		}
	}
	return Compare(path, expected, h.Sum())
}
