package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRunRendersInstances(t *testing.T) {
	dir := t.TempDir()
	base := `
server:
  addr: ":8080"
grading:
  workers: 4
  runTimeout: 5s
redis:
  addr: "localhost:6379"
`
	profile := `
outputDir: out
base: base.yaml
instances:
  grader-a:
    addr: ":8081"
  grader-b:
    addr: ":8082"
    workers: 2
    overrides:
      grading:
        runTimeout: 10s
`
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(base), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "profile.yaml"), []byte(profile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	if err := run(filepath.Join(dir, "profile.yaml"), ""); err != nil {
		t.Fatalf("run: %v", err)
	}

	a := readRendered(t, filepath.Join(dir, "out", "hive-server.grader-a.yaml"))
	if a.Grading.InstanceID != "grader-a" || a.Server.Addr != ":8081" || a.Grading.Workers != 4 {
		t.Fatalf("unexpected grader-a config: %+v", a)
	}
	if a.Grading.RunTimeout != "5s" {
		t.Fatalf("override leaked into grader-a: %+v", a)
	}

	b := readRendered(t, filepath.Join(dir, "out", "hive-server.grader-b.yaml"))
	if b.Grading.InstanceID != "grader-b" || b.Grading.Workers != 2 || b.Grading.RunTimeout != "10s" {
		t.Fatalf("unexpected grader-b config: %+v", b)
	}
	if b.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected base redis addr to survive, got %+v", b)
	}
}

func TestLoadProfileRequiresInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("base: base.yaml\n"), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, err := loadProfile(path); err == nil {
		t.Fatalf("expected error for profile without instances")
	}
}

type rendered struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Grading struct {
		InstanceID string `yaml:"instanceID"`
		Workers    int    `yaml:"workers"`
		RunTimeout string `yaml:"runTimeout"`
	} `yaml:"grading"`
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`
}

func readRendered(t *testing.T, path string) rendered {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var out rendered
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return out
}
