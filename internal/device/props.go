package device

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPropName is returned for a property name that is not safe to
// pass to the device shell.
var ErrInvalidPropName = errors.New("invalid property name")

var propNameRE = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Props returns every system property reported by getprop.
func (d *Device) Props(ctx context.Context) (map[string]string, error) {
	res, err := d.Exec(ctx, "getprop")
	if err != nil {
		return nil, err
	}
	return ParseProps(res.Stdout), nil
}

// Prop returns one system property. A missing property is an empty string.
func (d *Device) Prop(ctx context.Context, name string) (string, error) {
	if !propNameRE.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPropName, name)
	}
	res, err := d.Exec(ctx, "getprop "+name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ParseProps parses getprop output lines of the form "[key]: [value]".
// Lines that do not match are skipped.
func ParseProps(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
			continue
		}
		key, value, ok := strings.Cut(line[1:len(line)-1], "]: [")
		if !ok || key == "" {
			continue
		}
		props[key] = value
	}
	return props
}
