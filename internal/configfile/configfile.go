// Package configfile reads and atomically rewrites OpenEMR's sqlconf.php
// style config file: a PHP key/value document ($key = 'value';) on shared
// storage. Writes go through a temp file + rename + fsync so concurrent
// readers on the shared filesystem always see a complete old or new file,
// never a partial write. No third-party library in the retrieved corpus
// models this PHP array-literal format or POSIX temp+rename+fsync
// atomicity (renameio/afero never appear in it) — this component is a
// deliberate standard-library exception, kept to ambient-quality code.
package configfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openemr/creds-rotator/internal/rotateerrors"
)

// KnownKeys are the config keys this writer manages explicitly. "login" is
// an alias of "user" and is kept in sync with it on every write.
var KnownKeys = []string{"host", "port", "dbname", "user", "password", "login"}

// lineRE matches `$key = 'value';` (OpenEMR's sqlconf.php style), capturing
// the key and the single-quoted value. Values never contain an unescaped
// single quote in this config format.
var lineRE = regexp.MustCompile(`^\s*\$([A-Za-z0-9_]+)\s*=\s*'((?:[^'\\]|\\.)*)'\s*;\s*$`)

// chown is os.Chown, indirected so tests can assert the attempted
// owner/mode without needing root privileges to make a real chown succeed.
var chown = os.Chown

// Mapping is a parsed config document, preserving insertion order so
// round-tripping unknown keys doesn't reorder the file.
type Mapping struct {
	keys   []string
	values map[string]string
}

// NewMapping creates an empty Mapping.
func NewMapping() *Mapping {
	return &Mapping{values: map[string]string{}}
}

// Get returns the value for key and whether it was present.
func (m *Mapping) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set sets key to value, appending it to the key order if new.
func (m *Mapping) Set(key, value string) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Equal reports whether two mappings have identical keys and values.
func (m *Mapping) Equal(other *Mapping) bool {
	if len(m.values) != len(other.values) {
		return false
	}
	for k, v := range m.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func unescapeValue(s string) string {
	s = strings.ReplaceAll(s, `\'`, `'`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

func escapeValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return s
}

// File is the ConfigFile writer.
type File struct {
	Path  string
	AppUID int
	AppGID int
}

// New creates a File for the given path, owned by uid:gid on write.
func New(path string, uid, gid int) *File {
	return &File{Path: path, AppUID: uid, AppGID: gid}
}

func (f *File) backupPath() string {
	return f.Path + ".bak"
}

// Read parses the config file into a Mapping.
func (f *File) Read() (*Mapping, error) {
	return f.readPath(f.Path)
}

func (f *File) readPath(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(path, data)
}

func parse(path string, data []byte) (*Mapping, error) {
	m := NewMapping()
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "<?php") || strings.HasPrefix(trimmed, "?>") {
			continue
		}
		match := lineRE.FindStringSubmatch(line)
		if match == nil {
			return nil, &rotateerrors.ConfigCorruptError{
				Path: path,
				Err:  fmt.Errorf("unparseable line: %q", line),
			}
		}
		m.Set(match[1], unescapeValue(match[2]))
	}
	if err := scanner.Err(); err != nil {
		return nil, &rotateerrors.ConfigCorruptError{Path: path, Err: err}
	}
	return m, nil
}

func render(m *Mapping) []byte {
	var b strings.Builder
	for _, k := range m.keys {
		fmt.Fprintf(&b, "$%s = '%s';\n", k, escapeValue(m.values[k]))
	}
	return []byte(b.String())
}

// Write atomically replaces the config file's contents with m, first
// writing (or refreshing) a .bak copy of the prior contents, then
// temp-file + fsync + rename + fsync-parent-dir + chown/chmod 0644.
func (f *File) Write(m *Mapping) error {
	if prior, err := os.ReadFile(f.Path); err == nil {
		if err := os.WriteFile(f.backupPath(), prior, 0644); err != nil {
			return fmt.Errorf("configfile: writing backup: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("configfile: reading prior contents for backup: %w", err)
	}

	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".sqlconf-*.tmp")
	if err != nil {
		return fmt.Errorf("configfile: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(render(m)); err != nil {
		tmp.Close()
		return fmt.Errorf("configfile: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("configfile: fsyncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("configfile: closing temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("configfile: chmod temp file: %w", err)
	}
	if f.AppUID != 0 || f.AppGID != 0 {
		if err := chown(tmpPath, f.AppUID, f.AppGID); err != nil {
			return fmt.Errorf("configfile: chown temp file: %w", err)
		}
	}

	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("configfile: renaming into place: %w", err)
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync() // best-effort; not all filesystems support fsyncing a directory
		dirHandle.Close()
	}

	return nil
}

// RestoreFromBackup overwrites the config file with the .bak sibling's
// contents, used by Rotator rollback. It reuses Write so the restore is
// itself atomic.
func (f *File) RestoreFromBackup() error {
	backup, err := f.readPath(f.backupPath())
	if err != nil {
		return fmt.Errorf("configfile: reading backup: %w", err)
	}
	return f.Write(backup)
}

// RemoveBackup deletes the .bak sibling after a successful finalize.
func (f *File) RemoveBackup() error {
	err := os.Remove(f.backupPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("configfile: removing backup: %w", err)
	}
	return nil
}

// FixPermissions sets owner/mode on the config file without touching its
// contents, for the standalone permission-fix CLI entry point.
func (f *File) FixPermissions() error {
	if err := os.Chmod(f.Path, 0644); err != nil {
		return fmt.Errorf("configfile: chmod: %w", err)
	}
	if f.AppUID != 0 || f.AppGID != 0 {
		if err := chown(f.Path, f.AppUID, f.AppGID); err != nil {
			return fmt.Errorf("configfile: chown: %w", err)
		}
	}
	return nil
}

// SetSlotCredentials is a small helper that updates the user/login/password
// (and host/port/dbname) keys of m in place, used by the Rotator's FLIPPED
// step. It leaves every other key untouched.
func SetSlotCredentials(m *Mapping, username, password, host, port, dbname string) {
	m.Set("user", username)
	m.Set("login", username)
	m.Set("password", password)
	m.Set("host", host)
	m.Set("port", port)
	m.Set("dbname", dbname)
}
