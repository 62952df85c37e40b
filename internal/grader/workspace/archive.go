package workspace

import (
	"archive/tar"
	"bufio"
	"bytes"
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"hive/pkg/errors"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies a harness archive codec.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionGzip Compression = "gzip"
)

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	gzipMagic = []byte{0x1F, 0x8B}
)

// Sniff detects the archive codec from its leading bytes.
func Sniff(head []byte) (Compression, error) {
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return CompressionZstd, nil
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip, nil
	}
	return "", errors.Newf(errors.HarnessCorrupt, "harness is not a zstd or gzip archive")
}

// decompress returns a tar stream over the archive bytes.
func decompress(archive []byte) (io.ReadCloser, error) {
	kind, err := Sniff(archive)
	if err != nil {
		return nil, err
	}
	switch kind {
	case CompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(archive))
		if err != nil {
			return nil, errors.Wrapf(err, errors.HarnessCorrupt, "create zstd reader failed")
		}
		return zr.IOReadCloser(), nil
	default:
		gr, err := gzip.NewReader(bytes.NewReader(archive))
		if err != nil {
			return nil, errors.Wrapf(err, errors.HarnessCorrupt, "create gzip reader failed")
		}
		return gr, nil
	}
}

// extract unpacks archive into dstDir. Only directories and regular files
// are materialized. maxBytes bounds the total size of regular files.
func extract(archive []byte, dstDir string, maxBytes int64) error {
	rc, err := decompress(archive)
	if err != nil {
		return err
	}
	defer rc.Close()

	root := filepath.Clean(dstDir)
	remaining := maxBytes
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, errors.HarnessCorrupt, "read tar entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		target, err := entryPath(root, hdr.Name)
		if err != nil {
			return err
		}
		if target == root {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, errors.WorkspaceIOError, "create dir failed")
			}
		case tar.TypeReg:
			if maxBytes > 0 && hdr.Size > remaining {
				return errors.Newf(errors.HarnessCorrupt, "harness exceeds %d unpacked bytes", maxBytes)
			}
			n, err := writeEntry(target, fs.FileMode(hdr.Mode).Perm(), tr)
			if err != nil {
				return err
			}
			remaining -= n
		default:
			// links, devices and fifos are never materialized
		}
	}
}

// entryPath resolves a tar entry name inside root or rejects it.
func entryPath(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", errors.Newf(errors.HarnessCorrupt, "absolute tar entry path %q", name)
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", errors.Newf(errors.HarnessCorrupt, "tar entry %q leaves the workspace", name)
		}
	}
	target := filepath.Join(root, filepath.Clean(name))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", errors.Newf(errors.HarnessCorrupt, "tar entry %q leaves the workspace", name)
	}
	return target, nil
}

func writeEntry(target string, perm fs.FileMode, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, errors.Wrapf(err, errors.WorkspaceIOError, "create parent dir failed")
	}
	if perm == 0 {
		perm = 0644
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return 0, errors.Wrapf(err, errors.WorkspaceIOError, "create file failed")
	}
	n, err := io.Copy(file, r)
	if err != nil {
		_ = file.Close()
		return n, errors.Wrapf(err, errors.HarnessCorrupt, "read tar entry body failed")
	}
	if err := file.Close(); err != nil {
		return n, errors.Wrapf(err, errors.WorkspaceIOError, "close file failed")
	}
	// umask may have dropped exec bits the harness relies on.
	if err := os.Chmod(target, perm); err != nil {
		return n, errors.Wrapf(err, errors.WorkspaceIOError, "chmod file failed")
	}
	return n, nil
}

// Pack writes dir as a zstd-compressed tar. Entry names are relative to dir.
func Pack(dir string, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(zw)
	tw := tar.NewWriter(bw)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		_ = zw.Close()
		return walkErr
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// CheckHarnessDir verifies dir has executable compile and run scripts.
func CheckHarnessDir(dir string) error {
	for _, name := range []string{CompileScript, RunScript} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return errors.Wrapf(err, errors.HarnessCorrupt, "harness is missing %s", name)
		}
		if !info.Mode().IsRegular() || info.Mode().Perm()&0111 == 0 {
			return errors.Newf(errors.HarnessCorrupt, "harness %s is not an executable file", name)
		}
	}
	return nil
}
