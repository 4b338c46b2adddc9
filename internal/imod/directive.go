package imod

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Directive is an ordered set of batchruntomo directives (key = value).
type Directive struct {
	keys   []string
	values map[string]string
}

// NewDirective returns an empty directive set.
func NewDirective() *Directive {
	return &Directive{values: make(map[string]string)}
}

// Set adds or replaces a directive. New keys keep insertion order.
func (d *Directive) Set(key, value string) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Get returns the value of a directive.
func (d *Directive) Get(key string) (string, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Keys returns directive names in order.
func (d *Directive) Keys() []string {
	return append([]string(nil), d.keys...)
}

// Len returns the number of directives.
func (d *Directive) Len() int { return len(d.keys) }

// Clone returns an independent copy.
func (d *Directive) Clone() *Directive {
	c := NewDirective()
	for _, k := range d.keys {
		c.Set(k, d.values[k])
	}
	return c
}

// Map returns the directives as a plain map.
func (d *Directive) Map() map[string]string {
	m := make(map[string]string, len(d.values))
	for k, v := range d.values {
		m[k] = v
	}
	return m
}

// ParseDirective reads adoc text. Comment lines starting with '#' and lines
// that do not split into exactly one key and one value are skipped.
func ParseDirective(r io.Reader) (*Directive, error) {
	d := NewDirective()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(strings.TrimSpace(line), "=")
		if len(parts) != 2 {
			continue
		}
		d.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
	return d, sc.Err()
}

// ReadDirective reads an adoc file.
func ReadDirective(path string) (*Directive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseDirective(f)
}

// WriteTo writes "key = value" lines in insertion order.
func (d *Directive) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, k := range d.keys {
		c, err := fmt.Fprintf(w, "%s = %s\n", k, d.values[k])
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// WriteFile writes the directive set to path.
func (d *Directive) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := d.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
