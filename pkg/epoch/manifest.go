package epoch

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// File names owned by the binder inside an epoch directory.
const (
	ManifestFile = "EPOCH.yaml"
	CloseoutFile = "CLOSEOUT.md"
	VerdictFile  = "VERDICT.md"
	SumsFile     = "SHA256SUMS"
	LeaseFile    = ".lock"
)

// DefaultExclude lists the derived documents kept out of the fingerprint.
var DefaultExclude = []string{CloseoutFile, VerdictFile, SumsFile}

var (
	idPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_.]*$`)
)

// reservedKeys are bound by the binder itself and cannot appear in a manifest.
var reservedKeys = map[string]bool{"epoch_id": true, "prior_fingerprint": true}

// Manifest is the EPOCH.yaml document of one epoch.
type Manifest struct {
	ID       string            `yaml:"id"`
	Prior    string            `yaml:"prior,omitempty"`
	Bindings map[string]string `yaml:"bindings,omitempty"`
}

// Genesis reports whether the epoch has no predecessor.
func (m *Manifest) Genesis() bool { return m.Prior == "" }

// LoadManifest reads and validates dir/EPOCH.yaml. Unknown fields are
// rejected so a typo cannot silently drop a binding.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, conform.Wrap(conform.ReasonMissingFile, err, "epoch manifest %s", filepath.Join(dir, ManifestFile))
		}
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, conform.Wrap(conform.ReasonMalformedInput, err, "decode %s", ManifestFile)
	}
	if err := m.Validate(filepath.Base(dir)); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks identifiers and binding keys. dirName, when non-empty,
// must equal the manifest id.
func (m *Manifest) Validate(dirName string) error {
	if !idPattern.MatchString(m.ID) {
		return conform.Newf(conform.ReasonMalformedInput, "epoch id %q is not a valid identifier", m.ID)
	}
	if dirName != "" && dirName != m.ID {
		return conform.Newf(conform.ReasonMalformedInput, "epoch id %q does not match its directory %q", m.ID, dirName)
	}
	if m.Prior != "" && !idPattern.MatchString(m.Prior) {
		return conform.Newf(conform.ReasonMalformedInput, "prior epoch id %q is not a valid identifier", m.Prior)
	}
	if m.Prior == m.ID {
		return conform.Newf(conform.ReasonMalformedInput, "epoch %s names itself as prior", m.ID)
	}
	for k, v := range m.Bindings {
		if !keyPattern.MatchString(k) || reservedKeys[k] {
			return conform.Newf(conform.ReasonMalformedInput, "binding key %q is invalid or reserved", k)
		}
		if strings.ContainsAny(v, "\r\n") {
			return conform.Newf(conform.ReasonMalformedInput, "binding %s spans multiple lines", k)
		}
	}
	return nil
}

// WriteManifest writes m to dir/EPOCH.yaml.
func WriteManifest(dir string, m *Manifest) error {
	if err := m.Validate(""); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), buf.Bytes(), 0o644)
}
