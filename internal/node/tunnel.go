package node

import (
	"fmt"
	"strings"
)

// TunnelOption is one `key = value` line of a tunnels.conf section.
type TunnelOption struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Tunnel is a tunnels.conf section. Options keep their input order.
type Tunnel struct {
	Name    string         `json:"name" yaml:"name"`
	Options []TunnelOption `json:"options" yaml:"options"`
}

// OptionError reports malformed tunnel input.
type OptionError struct {
	Input  string
	Reason string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("invalid tunnel option %q: %s", e.Input, e.Reason)
}

// ParseOptions parses `key=value` arguments in order.
func ParseOptions(args []string) ([]TunnelOption, error) {
	opts := make([]TunnelOption, 0, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, &OptionError{Input: arg, Reason: "expected key=value"}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, &OptionError{Input: arg, Reason: "empty key"}
		}
		if strings.ContainsAny(key, " \t[]=#") {
			return nil, &OptionError{Input: arg, Reason: "key contains reserved characters"}
		}
		if strings.ContainsAny(arg, "\r\n") {
			return nil, &OptionError{Input: arg, Reason: "option spans lines"}
		}
		opts = append(opts, TunnelOption{Key: key, Value: value})
	}
	return opts, nil
}

// NewTunnel validates name and builds a Tunnel.
func NewTunnel(name string, opts []TunnelOption) (Tunnel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tunnel{}, &OptionError{Input: name, Reason: "empty tunnel name"}
	}
	if strings.ContainsAny(name, "[]\r\n") {
		return Tunnel{}, &OptionError{Input: name, Reason: "tunnel name contains reserved characters"}
	}
	return Tunnel{Name: name, Options: opts}, nil
}

// Render returns the section as appended to tunnels.conf.
func (t Tunnel) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[%s]\n", t.Name)
	for _, opt := range t.Options {
		fmt.Fprintf(&b, "%s = %s\n", opt.Key, opt.Value)
	}
	return b.String()
}
