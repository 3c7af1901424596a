package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

var (
	// ErrCorrupt indicates the archive could not be decompressed or parsed.
	ErrCorrupt = errors.New("corrupt archive")
	// ErrWrite indicates the destination could not be written.
	ErrWrite = errors.New("write failure")
	// ErrUnknownFormat indicates the archive format could not be determined.
	ErrUnknownFormat = errors.New("unknown archive format")
)

// Format identifies the compression wrapping a tar stream.
type Format string

const (
	TarZst Format = "tar.zst"
	TarXz  Format = "tar.xz"
	TarGz  Format = "tar.gz"
	Tar    Format = "tar"
)

// DetectFormat infers the archive format from a file name.
func DetectFormat(name string) (Format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.zst"):
		return TarZst, nil
	case strings.HasSuffix(lower, ".tar.xz"):
		return TarXz, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return TarGz, nil
	case strings.HasSuffix(lower, ".tar"):
		return Tar, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// ParseFormat validates a format string from configuration.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case TarZst, TarXz, TarGz, Tar:
		return Format(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, value)
	}
}

// Extract unpacks archivePath into destDir according to format and removes
// the archive on success. Entries escaping destDir are rejected.
func Extract(ctx context.Context, archivePath, destDir string, format Format) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	reader, closer, err := decompress(file, format)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(archivePath), err)
	}
	if closer != nil {
		defer closer()
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrWrite, destDir, err)
	}

	if err := unpack(ctx, tar.NewReader(reader), destDir); err != nil {
		return err
	}

	file.Close()
	if err := os.Remove(archivePath); err != nil {
		return fmt.Errorf("remove archive %s: %w", archivePath, err)
	}
	return nil
}

func decompress(r io.Reader, format Format) (io.Reader, func(), error) {
	switch format {
	case TarZst:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	case TarXz:
		dec, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, nil, nil
	case TarGz:
		dec, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, func() { dec.Close() }, nil
	case Tar:
		return r, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func unpack(ctx context.Context, tr *tar.Reader, destDir string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read tar entry: %v", ErrCorrupt, err)
		}

		target, err := secureJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode).Perm()|0o700); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", ErrWrite, header.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrWrite, header.Name, err)
			}
		case tar.TypeSymlink:
			if err := writeSymlink(destDir, target, header.Linkname); err != nil {
				return err
			}
		default:
			// Hard links and special files do not occur in toolchain
			// archives; skip anything else.
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeSymlink(destDir, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute symlink %q", ErrCorrupt, linkname)
	}
	if _, err := secureJoin(filepath.Dir(target), linkname); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir for symlink: %v", ErrWrite, err)
	}
	if err := os.Symlink(linkname, target); err != nil && !os.IsExist(err) {
		return fmt.Errorf("%w: symlink %s: %v", ErrWrite, target, err)
	}
	return nil
}

func secureJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrCorrupt, name)
	}
	return target, nil
}
