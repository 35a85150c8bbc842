// Package config loads custody.yaml / custody.jsonc.
//
// Both formats are converted to JSON, validated against the embedded JSON
// Schema, then decoded. Environment variables override file values.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/custody/pkg/archive"
	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// FormatVersion is written by `custody init` and accepted by Load.
const FormatVersion = "1.0.0"

// FileNames are searched in order when no path is given.
var FileNames = []string{"custody.yaml", "custody.yml", "custody.jsonc", "custody.json"}

//go:embed schema/custody.schema.json
var schemaJSON string

const schemaURL = "https://custody.schemas.local/config.schema.json"

var compiled = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("config schema load failed: %v", err))
	}
	return c.MustCompile(schemaURL)
}()

var supported = func() *semver.Constraints {
	c, err := semver.NewConstraint("^1")
	if err != nil {
		panic(err)
	}
	return c
}()

// Duration decodes "30s" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type RuleConfig struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Replace string `json:"replace"`
}

type CanonicalizeConfig struct {
	RunIDFields     []string                             `json:"run_id_fields,omitempty"`
	ForbiddenTokens []string                             `json:"forbidden_tokens,omitempty"`
	Rules           []RuleConfig                         `json:"rules,omitempty"`
	Records         map[string]canonicalize.RecordSchema `json:"records,omitempty"`
}

// ScopedConfig configures the chain and anchor stages.
type ScopedConfig struct {
	Scope   []string `json:"scope,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	Output  string   `json:"output,omitempty"`
}

type EpochConfig struct {
	Dir                   string   `json:"dir"`
	RequiredBindings      []string `json:"required_bindings,omitempty"`
	MaxFixpointIterations int      `json:"max_fixpoint_iterations,omitempty"`
}

type ReplayConfig struct {
	Runs     int      `json:"runs"`
	SealRuns int      `json:"seal_runs"`
	Timeout  Duration `json:"timeout,omitempty"`
	Command  []string `json:"command,omitempty"`
	LockDir  string   `json:"lock_dir"`
	WorkDir  string   `json:"work_dir,omitempty"`
}

type LedgerConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type PolicyConfig struct {
	Accept string `json:"accept,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Config is the full custody configuration.
type Config struct {
	FormatVersion string             `json:"format_version"`
	Root          string             `json:"root"`
	LogLevel      string             `json:"log_level"`
	Canonicalize  CanonicalizeConfig `json:"canonicalize"`
	Chain         ScopedConfig       `json:"chain"`
	Anchor        ScopedConfig       `json:"anchor"`
	Epoch         EpochConfig        `json:"epoch"`
	Replay        ReplayConfig       `json:"replay"`
	Ledger        LedgerConfig       `json:"ledger"`
	Archive       archive.Config     `json:"archive"`
	Policy        PolicyConfig       `json:"policy"`
	Telemetry     TelemetryConfig    `json:"telemetry"`

	// CI is set from the environment only.
	CI bool `json:"-"`
	// Source is the file the config was read from, empty for defaults.
	Source string `json:"-"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		FormatVersion: FormatVersion,
		Root:          ".",
		LogLevel:      "info",
		Chain:         ScopedConfig{Output: "evidence/RECEIPT_CHAIN.md"},
		Anchor:        ScopedConfig{Output: "evidence/MERKLE_ANCHOR.md"},
		Epoch:         EpochConfig{Dir: "epochs"},
		Replay:        ReplayConfig{Runs: 2, SealRuns: 3, LockDir: ".custody"},
		Ledger:        LedgerConfig{Driver: "sqlite", DSN: ".custody/ledger.db"},
		Archive:       archive.Config{Type: archive.StoreTypeFS},
		Telemetry:     TelemetryConfig{ServiceName: "custody"},
	}
}

// Load reads path, or the first of FileNames found in dir when path is
// empty, then applies environment overrides.
func Load(dir, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		for _, name := range FileNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, conform.Wrap(conform.ReasonConfigInvalid, err, "config file")
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, filepath.Ext(path), cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		cfg.Source = path
		if !filepath.IsAbs(cfg.Root) {
			cfg.Root = filepath.Join(filepath.Dir(path), cfg.Root)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// Parse decodes data over cfg. ext selects YAML (".yaml", ".yml") or
// JSONC (anything else).
func Parse(data []byte, ext string, cfg *Config) error {
	var raw []byte
	switch ext {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return conform.Wrap(conform.ReasonConfigInvalid, err, "parse yaml")
		}
		if doc == nil {
			doc = map[string]any{}
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return conform.Wrap(conform.ReasonConfigInvalid, err, "yaml is not representable as JSON")
		}
		raw = b
	default:
		raw = jsonc.ToJSON(data)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return conform.Wrap(conform.ReasonConfigInvalid, err, "parse config")
	}
	if err := compiled.Validate(doc); err != nil {
		return conform.Wrap(conform.ReasonConfigInvalid, err, "schema validation failed")
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return conform.Wrap(conform.ReasonConfigInvalid, err, "decode config")
	}
	return cfg.validate()
}

func (c *Config) validate() error {
	v, err := semver.NewVersion(c.FormatVersion)
	if err != nil {
		return conform.Wrap(conform.ReasonConfigInvalid, err, "format_version %q", c.FormatVersion)
	}
	if !supported.Check(v) {
		return conform.Newf(conform.ReasonConfigInvalid, "format_version %s is not supported (want %s)", v, supported)
	}
	return nil
}

// applyEnv applies the CUSTODY_* and CI overrides.
func applyEnv(c *Config) {
	if v := os.Getenv("CUSTODY_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("CUSTODY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CUSTODY_LEDGER_DSN"); v != "" {
		c.Ledger.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Ledger.Driver = "postgres"
		}
	}
	if v := os.Getenv("CUSTODY_ARCHIVE_TYPE"); v != "" {
		c.Archive.Type = archive.StoreType(v)
	}
	c.CI = truthy(os.Getenv("CI"))
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// Path resolves p against Root unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}
