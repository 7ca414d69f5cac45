// Package config loads and saves a repository's `config` file: Git's INI
// dialect, parsed with gopkg.in/ini.v1 so unknown sections and keys
// round-trip untouched even though this package only interprets a
// handful of them. Grounded on spec.md §6's config contract; no example
// repository parses a Git config file (grafana-nanogit is a wire-level
// client with no local repository state), so the section/key layout
// below follows upstream Git's own core.*/extensions.*/receive.*/
// uploadpack.* naming directly.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/forgecellar/gitcore/giterrors"
)

// Config is a parsed repository config file. Sections and keys this
// package does not recognize are preserved verbatim in file, so Save
// writes them back unchanged.
type Config struct {
	file *ini.File

	RepositoryFormatVersion int
	ObjectFormat            string // "sha1" or "sha256"; empty means sha1.
	DenyNonFastForwards     bool
	AllowTipSHA1InWant      bool
}

// defaults returns a Config with Git's own defaults, used when no config
// file exists yet (a fresh Init).
func defaults() *Config {
	return &Config{
		file:                    ini.Empty(),
		RepositoryFormatVersion: 0,
		ObjectFormat:            "sha1",
		DenyNonFastForwards:     false,
		AllowTipSHA1InWant:      false,
	}
}

// Load parses the config file at path. A missing file is not an error:
// it yields the same defaults as a freshly initialized repository.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Loose: true, AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}

	cfg := &Config{file: f}
	core := f.Section("core")
	cfg.RepositoryFormatVersion = core.Key("repositoryformatversion").MustInt(0)

	cfg.ObjectFormat = f.Section("extensions").Key("objectformat").MustString("sha1")
	cfg.DenyNonFastForwards = f.Section("receive").Key("denyNonFastForwards").MustBool(false)
	cfg.AllowTipSHA1InWant = f.Section("uploadpack").Key("allowTipSHA1InWant").MustBool(false)

	return cfg, nil
}

// Save writes cfg back to path, synchronizing the known fields into their
// sections/keys while leaving every other section and key as loaded.
func (cfg *Config) Save(path string) error {
	f := cfg.file
	if f == nil {
		f = ini.Empty()
		cfg.file = f
	}

	f.Section("core").Key("repositoryformatversion").SetValue(fmt.Sprintf("%d", cfg.RepositoryFormatVersion))
	if cfg.ObjectFormat != "" && cfg.ObjectFormat != "sha1" {
		f.Section("extensions").Key("objectformat").SetValue(cfg.ObjectFormat)
	}
	f.Section("receive").Key("denyNonFastForwards").SetValue(boolString(cfg.DenyNonFastForwards))
	f.Section("uploadpack").Key("allowTipSHA1InWant").SetValue(boolString(cfg.AllowTipSHA1InWant))

	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return nil
}

// RawString returns the value of an arbitrary section/key pair this
// package does not interpret, for callers that need access to config
// extensions the known fields above don't cover.
func (cfg *Config) RawString(section, key string) (string, bool) {
	if cfg.file == nil {
		return "", false
	}
	s, err := cfg.file.GetSection(section)
	if err != nil {
		return "", false
	}
	if !s.HasKey(key) {
		return "", false
	}
	return s.Key(key).String(), true
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Default returns a fresh Config with Git's own defaults, suitable for a
// newly initialized repository that has not written a config file yet.
func Default() *Config {
	return defaults()
}
