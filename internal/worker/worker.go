// Package worker describes the command line contract of the external capture
// executable and how to find it.
package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultName is the base name of the capture executable.
const DefaultName = "NetworkPacketAnalyzer"

// AutoInterface asks the worker to choose the capture interface itself.
const AutoInterface = "auto"

// ErrNotFound is returned by Locate when no candidate exists.
var ErrNotFound = errors.New("worker executable not found")

// Filter selects which traffic the worker records.
type Filter string

const (
	FilterBoth Filter = "both"
	FilterIPv4 Filter = "ipv4"
	FilterIPv6 Filter = "ipv6"
	FilterICMP Filter = "icmp"
	FilterBGP  Filter = "bgp"
)

// ParseFilter validates s. Empty and "all" mean FilterBoth.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "", "all":
		return FilterBoth, nil
	case FilterBoth, FilterIPv4, FilterIPv6, FilterICMP, FilterBGP:
		return f, nil
	default:
		return "", fmt.Errorf("invalid filter %q (want both, ipv4, ipv6, icmp or bgp)", s)
	}
}

// Promiscuous is the worker's promiscuous-mode switch.
type Promiscuous string

const (
	PromiscuousOn  Promiscuous = "on"
	PromiscuousOff Promiscuous = "off"
)

// ParsePromiscuous returns PromiscuousOff only for "off"; anything else is on.
func ParsePromiscuous(s string) Promiscuous {
	if s == string(PromiscuousOff) {
		return PromiscuousOff
	}
	return PromiscuousOn
}

// Args are the capture parameters passed to the worker.
type Args struct {
	Output      string
	Interface   string
	Filter      Filter
	Duration    int // seconds; 0 runs until stopped
	Promiscuous Promiscuous
}

// Positional returns the worker arguments in contract order, without the
// trailing stop file which the lifecycle controller appends.
func (a Args) Positional() []string {
	iface := a.Interface
	if iface == "" {
		iface = AutoInterface
	}
	filter := a.Filter
	if filter == "" {
		filter = FilterBoth
	}
	prom := a.Promiscuous
	if prom == "" {
		prom = PromiscuousOn
	}
	return []string{a.Output, iface, string(filter), strconv.Itoa(a.Duration), string(prom)}
}

// Candidates lists the locations searched for base under root, in order.
func Candidates(root, base string) []string {
	if base == "" {
		base = DefaultName
	}
	return []string{
		filepath.Join(root, "build", "Release", base+".exe"),
		filepath.Join(root, "build", base+".exe"),
		filepath.Join(root, "build", base),
	}
}

// Locate returns the first existing candidate under root.
func Locate(root, base string) (string, error) {
	for _, c := range Candidates(root, base) {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w under %s", ErrNotFound, filepath.Join(root, "build"))
}

// Resolve returns explicit when set and existing, otherwise Locate(root, base).
func Resolve(explicit, root, base string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, explicit)
		}
		return explicit, nil
	}
	return Locate(root, base)
}
