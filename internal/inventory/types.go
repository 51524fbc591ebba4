package inventory

import (
	"encoding/json"
	"slices"
	"sort"
	"strings"
)

const (
	UnknownVersion = "unknown"
	FailedStatus   = "Failed"
	EmptyVector    = "{}"
)

// Host is one inventory row keyed by Hostname.
type Host struct {
	Address  string   `json:"address"`
	Hostname string   `json:"hostname"`
	Version  string   `json:"version"`
	IsMaster bool     `json:"is_master"`
	Sectors  []string `json:"sectors"`
}

// Master marks a Host as authoritative and holds its last serialized vector.
type Master struct {
	Hostname string `json:"hostname"`
	Vector   string `json:"vector"`
}

// StatusVector is the probed role/version pair for one master host.
// Status carries whatever literal the agent reported, or failure text.
type StatusVector struct {
	Status  any    `json:"status"`
	Version string `json:"version"`
}

// DefaultStatusVector is the vector reported until a probe succeeds.
func DefaultStatusVector() StatusVector {
	return StatusVector{Status: FailedStatus, Version: UnknownVersion}
}

// Encode serializes the vector in the cached wire form.
func (v StatusVector) Encode() string {
	raw, err := json.Marshal(v)
	if err != nil {
		fallback, _ := json.Marshal(StatusVector{Status: err.Error(), Version: v.Version})
		return string(fallback)
	}
	return string(raw)
}

// DecodeStatusVector parses a cached vector; missing fields keep defaults.
func DecodeStatusVector(raw string) (StatusVector, error) {
	out := DefaultStatusVector()
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return DefaultStatusVector(), err
	}
	return out, nil
}

// NormalizeSectors returns a sorted, deduplicated copy without blanks.
func NormalizeSectors(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, raw := range in {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// SameSectors reports set equality of two sector lists.
func SameSectors(a, b []string) bool {
	return slices.Equal(NormalizeSectors(a), NormalizeSectors(b))
}

func cloneHost(h Host) Host {
	h.Sectors = NormalizeSectors(h.Sectors)
	return h
}
