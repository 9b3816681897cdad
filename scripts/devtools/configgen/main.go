// Command configgen renders per-environment sandbox configs from a base file
// plus overrides, so dev, staging and prod share one source of truth.
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

// Profile lists the environments to render.
type Profile struct {
	OutputDir    string                        `yaml:"outputDir"`
	Base         string                        `yaml:"base"`
	SharedSecret string                        `yaml:"sharedSecret"`
	Environments map[string]EnvironmentProfile `yaml:"environments"`
}

// EnvironmentProfile is one rendered config.
type EnvironmentProfile struct {
	// Base overrides Profile.Base for this environment.
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func main() {
	profilePath := flag.String("profile", "configs/environments.yaml", "Path to environment profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	written, err := run(*profilePath, *outputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
	for _, path := range written {
		fmt.Println(path)
	}
}

func run(profilePath, outputDir string) ([]string, error) {
	profilePathAbs, err := filepath.Abs(profilePath)
	if err != nil {
		return nil, fmt.Errorf("resolve profile path failed: %w", err)
	}
	profile, err := loadProfile(profilePathAbs)
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	if profile.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	profileDir := filepath.Dir(profilePathAbs)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}

	names := make([]string, 0, len(profile.Environments))
	for name := range profile.Environments {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]string, 0, len(names))
	for _, name := range names {
		path, err := renderEnvironment(profile, profileDir, name)
		if err != nil {
			return written, fmt.Errorf("environment %q: %w", name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func renderEnvironment(profile *Profile, profileDir, name string) (string, error) {
	env := profile.Environments[name]
	base := env.Base
	if base == "" {
		base = profile.Base
	}
	if base == "" {
		return "", errors.New("missing base config")
	}
	if !filepath.IsAbs(base) {
		base = filepath.Join(profileDir, base)
	}

	config, err := loadYAML(base)
	if err != nil {
		return "", fmt.Errorf("load base config failed: %w", err)
	}
	config = normalizeValue(config)
	if len(env.Overrides) > 0 {
		config, err = mergeMap(config, normalizeValue(env.Overrides))
		if err != nil {
			return "", fmt.Errorf("merge overrides failed: %w", err)
		}
	}
	if config, err = applySharedSecret(profile.SharedSecret, config); err != nil {
		return "", err
	}

	output := env.Output
	if output == "" {
		output = "sandbox." + name + ".yaml"
	}
	if !filepath.IsAbs(output) {
		output = filepath.Join(profile.OutputDir, output)
	}
	if err := writeYAML(output, config); err != nil {
		return "", err
	}
	return output, nil
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
	if len(profile.Environments) == 0 {
		return nil, errors.New("profile has no environments")
	}
	return &profile, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
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
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write yaml failed: %w", err)
	}
	return nil
}

// normalizeValue turns every nested map into map[string]interface{}.
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
			out[fmt.Sprintf("%v", k)] = normalizeValue(v)
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

// mergeMap merges maps recursively. Lists and scalars in override replace the base value.
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
	for key, overrideValue := range overrideMap {
		baseChild, baseIsMap := merged[key].(map[string]interface{})
		overrideChild, overrideIsMap := overrideValue.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			combined, err := mergeMap(baseChild, overrideChild)
			if err != nil {
				return nil, err
			}
			merged[key] = combined
			continue
		}
		merged[key] = overrideValue
	}
	return merged, nil
}

// applySharedSecret turns on the auth gate with the profile's secret.
func applySharedSecret(secret string, config interface{}) (interface{}, error) {
	if secret == "" {
		return config, nil
	}
	root, ok := config.(map[string]interface{})
	if !ok {
		return nil, errors.New("sandbox config is not a map")
	}
	auth, ok := root["auth"].(map[string]interface{})
	if !ok {
		auth = map[string]interface{}{}
		root["auth"] = auth
	}
	auth["enabled"] = true
	auth["secret"] = secret
	return root, nil
}
