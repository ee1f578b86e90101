package fleet

import (
	"fmt"
	"strings"
)

// Flag is one router command-line option. Bare flags like --floodfill have
// HasValue false.
type Flag struct {
	Name     string
	Value    string
	HasValue bool
}

func (f Flag) String() string {
	if !f.HasValue {
		return "--" + f.Name
	}
	return "--" + f.Name + "=" + f.Value
}

// LaunchOptions is an ordered set of router flags. Setting an existing flag
// replaces its value in place.
type LaunchOptions struct {
	flags []Flag
}

// ParseArgs parses "--key=value", "--key value" and bare "--key" tokens.
func ParseArgs(s string) (LaunchOptions, error) {
	var opts LaunchOptions
	fields := strings.Fields(s)
	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		if !strings.HasPrefix(tok, "--") || len(tok) == 2 {
			return LaunchOptions{}, fmt.Errorf("launch option %q: expected --name[=value]", tok)
		}
		name, value, hasValue := strings.Cut(tok[2:], "=")
		if name == "" {
			return LaunchOptions{}, fmt.Errorf("launch option %q: empty name", tok)
		}
		if !hasValue && i+1 < len(fields) && !strings.HasPrefix(fields[i+1], "--") {
			value, hasValue = fields[i+1], true
			i++
		}
		opts.set(Flag{Name: name, Value: value, HasValue: hasValue})
	}
	return opts, nil
}

// Set returns a copy with name=value.
func (o LaunchOptions) Set(name, value string) LaunchOptions {
	c := o.clone()
	c.set(Flag{Name: name, Value: value, HasValue: true})
	return c
}

// Enable returns a copy with the bare flag name.
func (o LaunchOptions) Enable(name string) LaunchOptions {
	c := o.clone()
	c.set(Flag{Name: name})
	return c
}

// Merge returns o overlaid with other. Flags keep the position of their
// first appearance; values from other win.
func (o LaunchOptions) Merge(other LaunchOptions) LaunchOptions {
	c := o.clone()
	for _, f := range other.flags {
		c.set(f)
	}
	return c
}

func (o LaunchOptions) get(name string) (Flag, bool) {
	for _, f := range o.flags {
		if f.Name == name {
			return f, true
		}
	}
	return Flag{}, false
}

func (o LaunchOptions) clone() LaunchOptions {
	return LaunchOptions{flags: append([]Flag(nil), o.flags...)}
}

// Args serializes the options for the container command line.
func (o LaunchOptions) Args() []string {
	args := make([]string, 0, len(o.flags))
	for _, f := range o.flags {
		args = append(args, f.String())
	}
	return args
}

func (o LaunchOptions) String() string {
	return strings.Join(o.Args(), " ")
}

func (o *LaunchOptions) set(f Flag) {
	for i := range o.flags {
		if o.flags[i].Name == f.Name {
			o.flags[i] = f
			return
		}
	}
	o.flags = append(o.flags, f)
}
