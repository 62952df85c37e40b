// configgen renders one hive-server config per local instance from a shared
// base file, so several graders can run against the same MySQL and Redis.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

type Profile struct {
	OutputDir string                     `yaml:"outputDir"`
	Base      string                     `yaml:"base"`
	Instances map[string]InstanceProfile `yaml:"instances"`
}

type InstanceProfile struct {
	Addr      string                 `yaml:"addr"`
	Workers   int                    `yaml:"workers"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func main() {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "Path to instance profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	if err := run(*profilePath, *outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(profilePath, outputDir string) error {
	profilePathAbs, err := filepath.Abs(profilePath)
	if err != nil {
		return fmt.Errorf("resolve profile path failed: %w", err)
	}
	profile, err := loadProfile(profilePathAbs)
	if err != nil {
		return err
	}
	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	if profile.OutputDir == "" {
		return errors.New("output directory is required")
	}
	profileDir := filepath.Dir(profilePathAbs)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}
	if !filepath.IsAbs(profile.Base) {
		profile.Base = filepath.Join(profileDir, profile.Base)
	}

	names := make([]string, 0, len(profile.Instances))
	for name := range profile.Instances {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		// reload per instance so overrides never leak between outputs
		base, err := loadYAML(profile.Base)
		if err != nil {
			return fmt.Errorf("load base config failed: %w", err)
		}
		rendered, err := renderInstance(name, profile.Instances[name], normalizeValue(base))
		if err != nil {
			return fmt.Errorf("render %q failed: %w", name, err)
		}
		output := profile.Instances[name].Output
		if output == "" {
			output = "hive-server." + name + ".yaml"
		}
		if !filepath.IsAbs(output) {
			output = filepath.Join(profile.OutputDir, output)
		}
		if err := writeYAML(output, rendered); err != nil {
			return fmt.Errorf("write %q failed: %w", name, err)
		}
	}
	return nil
}

// renderInstance applies overrides, then pins the values that must differ
// between instances sharing one Redis.
func renderInstance(name string, inst InstanceProfile, base interface{}) (interface{}, error) {
	cfg := base
	if len(inst.Overrides) > 0 {
		merged, err := mergeMap(cfg, normalizeValue(inst.Overrides))
		if err != nil {
			return nil, err
		}
		cfg = merged
	}
	root, ok := cfg.(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	grading := section(root, "grading")
	grading["instanceID"] = name
	if inst.Workers > 0 {
		grading["workers"] = inst.Workers
	}
	if inst.Addr != "" {
		section(root, "server")["addr"] = inst.Addr
	}
	return root, nil
}

func section(root map[string]interface{}, key string) map[string]interface{} {
	child, ok := root[key].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		root[key] = child
	}
	return child
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if profile.Base == "" {
		return nil, errors.New("profile has no base config")
	}
	if len(profile.Instances) == 0 {
		return nil, errors.New("profile has no instances")
	}
	return &profile, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[fmt.Sprint(k)] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

// mergeMap overlays override onto base. Nested maps merge, everything else
// replaces.
func mergeMap(base, override interface{}) (interface{}, error) {
	baseMap, ok := base.(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	overrideMap, ok := override.(map[string]interface{})
	if !ok {
		return nil, errors.New("override config is not a map")
	}
	merged := make(map[string]interface{}, len(baseMap))
	for k, v := range baseMap {
		merged[k] = v
	}
	for key, value := range overrideMap {
		baseChild, baseIsMap := merged[key].(map[string]interface{})
		overrideChild, overrideIsMap := value.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			combined, err := mergeMap(baseChild, overrideChild)
			if err != nil {
				return nil, err
			}
			merged[key] = combined
			continue
		}
		merged[key] = value
	}
	return merged, nil
}
