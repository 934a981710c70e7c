// Command configgen renders one arena config per matchup from a base config
// and per-matchup overrides.
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
	OutputDir string                    `yaml:"outputDir"`
	Base      string                    `yaml:"base"`
	Shared    map[string]interface{}    `yaml:"shared"`
	Matchups  map[string]MatchupProfile `yaml:"matchups"`
}

// MatchupProfile describes one generated config. Players replaces the base
// player list when set.
type MatchupProfile struct {
	Output    string                 `yaml:"output"`
	Players   []interface{}          `yaml:"players"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func main() {
	profilePath := flag.String("profile", "configs/matchups.yaml", "Path to matchup profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	if err := run(*profilePath, *outputDir); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
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
		return fmt.Errorf("load profile failed: %w", err)
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
	if err := os.MkdirAll(profile.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory failed: %w", err)
	}

	base, err := loadYAML(profile.Base)
	if err != nil {
		return fmt.Errorf("load base config failed: %w", err)
	}
	base = normalizeValue(base)
	if len(profile.Shared) > 0 {
		if base, err = mergeMap(base, normalizeValue(profile.Shared)); err != nil {
			return fmt.Errorf("merge shared settings failed: %w", err)
		}
	}

	names := make([]string, 0, len(profile.Matchups))
	for name := range profile.Matchups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		matchup := profile.Matchups[name]
		config, err := renderMatchup(base, name, matchup)
		if err != nil {
			return fmt.Errorf("render matchup %q failed: %w", name, err)
		}
		if err := writeYAML(resolveOutputPath(profile.OutputDir, name, matchup), config); err != nil {
			return fmt.Errorf("write config for %q failed: %w", name, err)
		}
	}
	return nil
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
	if len(profile.Matchups) == 0 {
		return nil, errors.New("profile has no matchups")
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
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write yaml failed: %w", err)
	}
	return nil
}

func resolveOutputPath(outputDir, name string, matchup MatchupProfile) string {
	output := matchup.Output
	if output == "" {
		output = name + ".yaml"
	}
	if filepath.IsAbs(output) {
		return output
	}
	return filepath.Join(outputDir, output)
}

// renderMatchup applies overrides and the player list, then names the
// tournament after the matchup unless an id was given.
func renderMatchup(base interface{}, name string, matchup MatchupProfile) (interface{}, error) {
	config, err := mergeMap(base, normalizeValue(matchup.Overrides))
	if err != nil {
		return nil, err
	}
	root := config.(map[string]interface{})
	if len(matchup.Players) > 0 {
		root["players"] = normalizeValue(matchup.Players)
	}
	tournament, ok := root["tournament"].(map[string]interface{})
	if !ok {
		tournament = map[string]interface{}{}
	} else {
		tournament = copyMap(tournament)
	}
	if id, _ := tournament["id"].(string); id == "" {
		tournament["id"] = name
	}
	root["tournament"] = tournament
	return root, nil
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
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
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = normalizeValue(v)
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

// mergeMap deep-merges override into base. Lists are replaced, not merged.
func mergeMap(base interface{}, override interface{}) (interface{}, error) {
	baseMap, ok := base.(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	overrideMap, ok := override.(map[string]interface{})
	if !ok {
		return nil, errors.New("override config is not a map")
	}

	merged := copyMap(baseMap)
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
