// Package config loads the declarative fleet documents.
//
// Three TOML documents feed the control plane:
//
//	sectors.toml   [sectors.<name>] hosts = ["<address> <hostname>", ...]
//	masters.toml   [master_servers] hosts = ["<address> <hostname>", ...]
//	security.toml  [security] code = "<agent auth code>"
//
// A missing or malformed sectors document is fatal to reconciliation. The
// masters and security documents degrade: callers log the ConfigError and
// continue with no masters or an empty auth code.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	ErrSectorsMissing   = errors.New("config: sectors table not present")
	ErrMastersMalformed = errors.New("config: master_servers.hosts not present")
	ErrSecurityMissing  = errors.New("config: security.code not present")
)

const (
	DocumentSectors  = "sectors"
	DocumentMasters  = "masters"
	DocumentSecurity = "security"
)

// ConfigError reports a missing or malformed document.
type ConfigError struct {
	Document string
	Path     string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %s document: %v", e.Document, e.Err)
	}
	return fmt.Sprintf("config: %s document (%s): %v", e.Document, e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Sector is one named host group. Malformed sectors are kept so that
// reconciliation can count them as skipped.
type Sector struct {
	Name      string
	Hosts     []string
	Malformed bool
}

// SectorDocument lists sectors in document order.
type SectorDocument struct {
	Path    string
	Sectors []Sector
}

// MasterDocument lists the entries flagged as master hosts.
type MasterDocument struct {
	Path  string
	Hosts []string
}

// SecurityConfig carries the agent auth code.
type SecurityConfig struct {
	Code string
}

type sectorsFile struct {
	Sectors map[string]toml.Primitive `toml:"sectors"`
}

type sectorTable struct {
	Hosts []string `toml:"hosts"`
}

type mastersFile struct {
	MasterServers struct {
		Hosts []string `toml:"hosts"`
	} `toml:"master_servers"`
}

type securityFile struct {
	Security struct {
		Code string `toml:"code"`
	} `toml:"security"`
}

func LoadSectorDocument(path string) (*SectorDocument, error) {
	data, err := readDocument(DocumentSectors, path)
	if err != nil {
		return nil, err
	}
	doc, err := ParseSectorDocument(data)
	if err != nil {
		return nil, withPath(err, path)
	}
	doc.Path = path
	return doc, nil
}

// ParseSectorDocument decodes sector tables, preserving document order.
func ParseSectorDocument(data []byte) (*SectorDocument, error) {
	var raw sectorsFile
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, &ConfigError{Document: DocumentSectors, Err: err}
	}
	if !meta.IsDefined("sectors") {
		return nil, &ConfigError{Document: DocumentSectors, Err: ErrSectorsMissing}
	}

	doc := &SectorDocument{Sectors: make([]Sector, 0, len(raw.Sectors))}
	for _, name := range sectorOrder(meta, raw.Sectors) {
		sec := Sector{Name: name}
		var table sectorTable
		if err := meta.PrimitiveDecode(raw.Sectors[name], &table); err != nil {
			sec.Malformed = true
		} else if !meta.IsDefined("sectors", name, "hosts") {
			sec.Malformed = true
		} else {
			sec.Hosts = table.Hosts
		}
		doc.Sectors = append(doc.Sectors, sec)
	}
	return doc, nil
}

func LoadMasterDocument(path string) (*MasterDocument, error) {
	data, err := readDocument(DocumentMasters, path)
	if err != nil {
		return nil, err
	}
	doc, err := ParseMasterDocument(data)
	if err != nil {
		return nil, withPath(err, path)
	}
	doc.Path = path
	return doc, nil
}

func ParseMasterDocument(data []byte) (*MasterDocument, error) {
	var raw mastersFile
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, &ConfigError{Document: DocumentMasters, Err: err}
	}
	if !meta.IsDefined("master_servers", "hosts") {
		return nil, &ConfigError{Document: DocumentMasters, Err: ErrMastersMalformed}
	}
	return &MasterDocument{Hosts: raw.MasterServers.Hosts}, nil
}

// LoadSecurityConfig returns the auth code. The returned config is usable
// (empty code) even when err is non-nil.
func LoadSecurityConfig(path string) (SecurityConfig, error) {
	data, err := readDocument(DocumentSecurity, path)
	if err != nil {
		return SecurityConfig{}, err
	}
	var raw securityFile
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return SecurityConfig{}, &ConfigError{Document: DocumentSecurity, Path: path, Err: err}
	}
	code := strings.TrimSpace(raw.Security.Code)
	if !meta.IsDefined("security", "code") || code == "" {
		return SecurityConfig{}, &ConfigError{Document: DocumentSecurity, Path: path, Err: ErrSecurityMissing}
	}
	return SecurityConfig{Code: code}, nil
}

// SplitHostEntry parses an "address hostname" entry. Extra tokens are ignored.
func SplitHostEntry(entry string) (address, hostname string, ok bool) {
	fields := strings.Fields(entry)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

func readDocument(document, path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, &ConfigError{Document: document, Err: errors.New("path not configured")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Document: document, Path: path, Err: err}
	}
	return data, nil
}

func withPath(err error, path string) error {
	var ce *ConfigError
	if errors.As(err, &ce) && ce.Path == "" {
		ce.Path = path
	}
	return err
}

// sectorOrder yields sector names in the order they appear in the document.
func sectorOrder(meta toml.MetaData, sectors map[string]toml.Primitive) []string {
	seen := make(map[string]struct{}, len(sectors))
	out := make([]string, 0, len(sectors))
	for _, key := range meta.Keys() {
		if len(key) < 2 || key[0] != "sectors" {
			continue
		}
		name := key[1]
		if _, ok := sectors[name]; !ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	rest := make([]string, 0)
	for name := range sectors {
		if _, ok := seen[name]; !ok {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
