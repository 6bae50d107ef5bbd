package parsing

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MemoryUnit is an amount of memory or disk, in bytes.
type MemoryUnit int64

const (
	Byte MemoryUnit = 1
	KB              = 1024 * Byte
	MB              = 1024 * KB
	GB              = 1024 * MB
	TB              = 1024 * GB
	PB              = 1024 * TB
)

var memoryRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([KMGTP]?)B?$`)

var memorySuffixes = map[string]MemoryUnit{
	"":  Byte,
	"K": KB,
	"M": MB,
	"G": GB,
	"T": TB,
	"P": PB,
}

// ParseMemory accepts strings such as "8 GB", "512MB", "2G" or "1024".
// A bare number is read as bytes.
func ParseMemory(memStr string) (MemoryUnit, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(memStr))
	matches := memoryRe.FindStringSubmatch(trimmed)
	if matches == nil {
		return 0, fmt.Errorf(
			"invalid memory string %q; expected number followed by optional "+
				"K, M, G, T or P suffix (e.g. '8 GB')", memStr,
		)
	}
	val, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory string %q: %w", memStr, err)
	}
	return MemoryUnit(val * float64(memorySuffixes[matches[2]])), nil
}

// String renders the amount in the largest unit that divides it exactly,
// e.g. "8 GB" or "1536 MB".
func (m MemoryUnit) String() string {
	units := []struct {
		name string
		size MemoryUnit
	}{
		{"PB", PB}, {"TB", TB}, {"GB", GB}, {"MB", MB}, {"KB", KB},
	}
	for _, u := range units {
		if m >= u.size && m%u.size == 0 {
			return fmt.Sprintf("%d %s", m/u.size, u.name)
		}
	}
	return fmt.Sprintf("%d B", int64(m))
}

func (m *MemoryUnit) UnmarshalJSON(data []byte) error {
	var num int64
	if err := json.Unmarshal(data, &num); err == nil {
		*m = MemoryUnit(num)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("memory must be a string or integer, got %s", data)
	}
	parsed, err := ParseMemory(str)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m MemoryUnit) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *MemoryUnit) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseMemory(node.Value)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Duration decodes "2h", "90m" style strings or integer seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Duration(time.Duration(secs) * time.Second), nil
	}
	parsed, err := time.ParseDuration(strings.ReplaceAll(raw, " ", ""))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return Duration(parsed), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs int64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("duration must be a string or integer, got %s", data)
	}
	parsed, err := parseDuration(str)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
