package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidValue indicates a configuration field has an invalid value.
var ErrInvalidValue = errors.New("invalid configuration value")

// PortRange is an inclusive TCP port range, e.g. 8001-8007.
type PortRange struct {
	Start int
	End   int
}

// ParsePortRange parses "start-end" or a single "port".
func ParsePortRange(raw string) (PortRange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PortRange{}, fmt.Errorf("%w: empty port range", ErrInvalidValue)
	}

	start, end, found := strings.Cut(raw, "-")
	if !found {
		end = start
	}
	s, err := strconv.Atoi(strings.TrimSpace(start))
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: port range %q", ErrInvalidValue, raw)
	}
	e, err := strconv.Atoi(strings.TrimSpace(end))
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: port range %q", ErrInvalidValue, raw)
	}

	pr := PortRange{Start: s, End: e}
	if err := pr.Validate(); err != nil {
		return PortRange{}, err
	}
	return pr, nil
}

// Validate checks ordering and bounds.
func (p PortRange) Validate() error {
	if p.Start < 1 || p.End > 65535 || p.Start > p.End {
		return fmt.Errorf("%w: port range %d-%d", ErrInvalidValue, p.Start, p.End)
	}
	return nil
}

// Ports returns every port in the range, ascending.
func (p PortRange) Ports() []int {
	ports := make([]int, 0, p.End-p.Start+1)
	for port := p.Start; port <= p.End; port++ {
		ports = append(ports, port)
	}
	return ports
}

// String renders the range in the configuration syntax.
func (p PortRange) String() string {
	if p.Start == p.End {
		return strconv.Itoa(p.Start)
	}
	return fmt.Sprintf("%d-%d", p.Start, p.End)
}
