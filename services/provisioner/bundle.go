package provisioner

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Pack archives dir into a tar.zst bundle at output and returns a fetch
// manifest describing it, ready to publish next to the archive on a
// mirror. baseURL is the prefix under which the archive will be served.
// With a signer, the manifest is signed.
func Pack(ctx context.Context, dir, output, baseURL string, signer *Signer) (*FetchManifest, error) {
	if dir == "" {
		return nil, errors.New("artifacts directory is required")
	}
	if output == "" {
		return nil, errors.New("output path is required")
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat artifacts dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifacts dir %q is not a directory", dir)
	}

	if err := writeArchive(ctx, dir, output); err != nil {
		return nil, err
	}

	stat, err := os.Stat(output)
	if err != nil {
		return nil, fmt.Errorf("stat bundle: %w", err)
	}
	sum, err := fileDigest(output)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(output)
	manifest := &FetchManifest{
		Version:   "1",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Entries: []ManifestEntry{
			{
				Name:   name,
				URL:    strings.TrimRight(baseURL, "/") + "/" + name,
				Size:   stat.Size(),
				SHA256: sum,
				Unpack: "tar.zst",
			},
		},
	}

	if signer != nil {
		if err := manifest.Sign(signer); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

func writeArchive(ctx context.Context, dir, output string) error {
	if parent := filepath.Dir(output); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", rel, err)
		}

		header := &tar.Header{
			Name:     filepath.ToSlash(rel),
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %q: %w", rel, err)
		}

		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %q: %w", rel, err)
		}
		if _, err := io.Copy(tw, src); err != nil {
			src.Close()
			return fmt.Errorf("copy %q: %w", rel, err)
		}
		return src.Close()
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return file.Close()
}

func fileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
