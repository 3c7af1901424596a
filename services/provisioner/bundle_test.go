package provisioner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"crossforge/pkg/archive"
)

func TestPackRoundtrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "toolchain")
	for rel, content := range map[string]string{
		"bin/clang":      "#!/bin/sh\n",
		"lib/libclang.a": "archive",
	} {
		path := filepath.Join(src, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	output := filepath.Join(dir, "out", "toolchain.tar.zst")
	manifest, err := Pack(context.Background(), src, output, "https://mirror.example/toolchains", nil)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	if len(manifest.Entries) != 1 {
		t.Fatalf("Entries = %+v", manifest.Entries)
	}
	entry := manifest.Entries[0]
	if entry.URL != "https://mirror.example/toolchains/toolchain.tar.zst" {
		t.Fatalf("URL = %q", entry.URL)
	}
	if entry.Unpack != "tar.zst" {
		t.Fatalf("Unpack = %q", entry.Unpack)
	}

	if err := verifyDigest(output, entry.Size, entry.SHA256); err != nil {
		t.Fatalf("bundle digest mismatch: %v", err)
	}

	dest := filepath.Join(dir, "extracted")
	if err := archive.Extract(context.Background(), output, dest, archive.TarZst); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "bin", "clang"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(data) != "#!/bin/sh\n" {
		t.Fatalf("extracted content = %q", data)
	}
}

func TestPackSigned(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "toolchain")
	if err := os.MkdirAll(filepath.Join(src, "bin"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "bin", "ld"), []byte("ld"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	signer, err := NewSigner(newSecretKey(t), "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	manifest, err := Pack(context.Background(), src, filepath.Join(dir, "ld.tar.zst"), "https://mirror.example", signer)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if manifest.Signature == "" {
		t.Fatal("Pack() did not sign the manifest")
	}
	if err := manifest.VerifySignature(signer); err != nil {
		t.Fatalf("VerifySignature() error = %v", err)
	}
}
