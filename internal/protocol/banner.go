package protocol

import (
	"maps"
	"slices"
	"strings"
)

// Banner is the parsed payload of a device CNXN message,
// "<environment>::key=value;key=value;...;features=a,b,c;".
type Banner struct {
	Environment string
	Variables   map[string]string
	Features    []string
}

// ParseBanner parses a CNXN payload. The "features" key is split on commas
// into Features; every other key lands in Variables.
func ParseBanner(payload []byte) Banner {
	s := strings.TrimRight(string(payload), "\x00")

	b := Banner{
		Variables: make(map[string]string),
		Features:  []string{},
	}

	env, rest, found := strings.Cut(s, "::")
	b.Environment = env
	if !found {
		return b
	}

	for _, part := range strings.Split(rest, ";") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if key == "features" {
			for _, f := range strings.Split(value, ",") {
				if f != "" {
					b.Features = append(b.Features, f)
				}
			}
			continue
		}
		b.Variables[key] = value
	}

	return b
}

// String renders the banner in wire form with variables in key order.
func (b Banner) String() string {
	var sb strings.Builder
	sb.WriteString(b.Environment)
	sb.WriteString("::")
	for _, k := range slices.Sorted(maps.Keys(b.Variables)) {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(b.Variables[k])
		sb.WriteByte(';')
	}
	if len(b.Features) > 0 {
		sb.WriteString("features=")
		sb.WriteString(strings.Join(b.Features, ","))
		sb.WriteByte(';')
	}
	return sb.String()
}
