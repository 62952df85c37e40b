package workspace_test

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"hive/internal/grader/workspace"
	"hive/pkg/errors"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type entry struct {
	name string
	body string
	mode int64
	typ  byte
}

func buildTar(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		typ := e.typ
		if typ == 0 {
			typ = tar.TypeReg
		}
		hdr := &tar.Header{Name: e.name, Mode: e.mode, Typeflag: typ}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if typ == tar.TypeSymlink {
			hdr.Linkname = e.body
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if typ == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func zstdArchive(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := zw.Write(buildTar(t, entries)); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

func gzipArchive(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(buildTar(t, entries)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

var harnessEntries = []entry{
	{name: "compile", body: "#!/bin/sh\nexit 0\n", mode: 0755},
	{name: "run", body: "#!/bin/sh\necho ok\n", mode: 0755},
	{name: "data/", mode: 0755, typ: tar.TypeDir},
	{name: "data/in.txt", body: "1 2\n", mode: 0644},
}

func newManager(t *testing.T, maxBytes int64) (*workspace.Manager, string) {
	t.Helper()
	root := t.TempDir()
	m, err := workspace.NewManager(workspace.Config{Root: root, MaxUnpackedBytes: maxBytes})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, root
}

func assertEmpty(t *testing.T, root string) {
	t.Helper()
	left, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected no workspace left behind, found %d entries", len(left))
	}
}

func TestPrepareZstdAndGzip(t *testing.T) {
	for name, archive := range map[string][]byte{
		"zstd": zstdArchive(t, harnessEntries),
		"gzip": gzipArchive(t, harnessEntries),
	} {
		t.Run(name, func(t *testing.T) {
			m, root := newManager(t, 0)
			ws, err := m.Prepare(context.Background(), archive, []byte("int main(){}"))
			if err != nil {
				t.Fatalf("prepare: %v", err)
			}
			if filepath.Dir(ws.Dir()) != root {
				t.Fatalf("workspace %s not under root %s", ws.Dir(), root)
			}
			user, err := os.ReadFile(filepath.Join(ws.Dir(), workspace.UserSlot))
			if err != nil || string(user) != "int main(){}" {
				t.Fatalf("unexpected user slot: %q, %v", user, err)
			}
			info, err := os.Stat(filepath.Join(ws.Dir(), workspace.CompileScript))
			if err != nil || info.Mode().Perm()&0100 == 0 {
				t.Fatalf("compile script lost exec bit: %v, %v", info, err)
			}
			if _, err := os.Stat(filepath.Join(ws.Dir(), "data", "in.txt")); err != nil {
				t.Fatalf("nested file missing: %v", err)
			}
			if err := ws.Release(); err != nil {
				t.Fatalf("release: %v", err)
			}
			if err := ws.Release(); err != nil {
				t.Fatalf("second release: %v", err)
			}
			assertEmpty(t, root)
		})
	}
}

func TestPrepareOverwritesReservedUserSlot(t *testing.T) {
	m, _ := newManager(t, 0)
	archive := zstdArchive(t, append(harnessEntries, entry{name: "user", body: "placeholder", mode: 0600}))
	ws, err := m.Prepare(context.Background(), archive, []byte("mine"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer ws.Release()
	got, _ := os.ReadFile(filepath.Join(ws.Dir(), workspace.UserSlot))
	if string(got) != "mine" {
		t.Fatalf("expected submission in user slot, got %q", got)
	}
}

func TestPrepareRejectsCorruptArchives(t *testing.T) {
	valid := zstdArchive(t, harnessEntries)
	cases := map[string][]byte{
		"not compressed": []byte("plain text"),
		"truncated zstd": valid[:len(valid)/2],
		"parent escape":  zstdArchive(t, []entry{{name: "../evil", body: "x", mode: 0644}}),
		"nested escape":  zstdArchive(t, []entry{{name: "a/../../evil", body: "x", mode: 0644}}),
		"absolute path":  zstdArchive(t, []entry{{name: "/etc/evil", body: "x", mode: 0644}}),
		"too large":      zstdArchive(t, []entry{{name: "big", body: string(make([]byte, 2048)), mode: 0644}}),
	}
	for name, archive := range cases {
		t.Run(name, func(t *testing.T) {
			m, root := newManager(t, 1024)
			ws, err := m.Prepare(context.Background(), archive, []byte("x"))
			if err == nil {
				ws.Release()
				t.Fatalf("expected error")
			}
			if !errors.Is(err, errors.HarnessCorrupt) {
				t.Fatalf("expected HarnessCorrupt, got %v (code %d)", err, errors.GetCode(err))
			}
			assertEmpty(t, root)
		})
	}
}

func TestPrepareSkipsSymlinks(t *testing.T) {
	m, _ := newManager(t, 0)
	archive := zstdArchive(t, append(harnessEntries, entry{name: "link", body: "/etc/passwd", typ: tar.TypeSymlink}))
	ws, err := m.Prepare(context.Background(), archive, []byte("x"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer ws.Release()
	if _, err := os.Lstat(filepath.Join(ws.Dir(), "link")); !os.IsNotExist(err) {
		t.Fatalf("symlink should not be materialized, got %v", err)
	}
}

func TestPackRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "compile"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "run"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "cases"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "cases", "1.in"), []byte("1"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := workspace.CheckHarnessDir(src); err != nil {
		t.Fatalf("check harness: %v", err)
	}

	var buf bytes.Buffer
	if err := workspace.Pack(src, &buf); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if kind, err := workspace.Sniff(buf.Bytes()); err != nil || kind != workspace.CompressionZstd {
		t.Fatalf("expected zstd archive, got %q, %v", kind, err)
	}

	m, _ := newManager(t, 0)
	ws, err := m.Prepare(context.Background(), buf.Bytes(), []byte("x"))
	if err != nil {
		t.Fatalf("prepare packed harness: %v", err)
	}
	defer ws.Release()
	if err := workspace.CheckHarnessDir(ws.Dir()); err != nil {
		t.Fatalf("unpacked harness invalid: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Dir(), "cases", "1.in")); err != nil {
		t.Fatalf("nested file missing: %v", err)
	}
}

func TestCheckHarnessDirRequiresExecutables(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "compile"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run"), []byte("x"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := workspace.CheckHarnessDir(dir); !errors.Is(err, errors.HarnessCorrupt) {
		t.Fatalf("expected HarnessCorrupt for non executable compile, got %v", err)
	}
}
