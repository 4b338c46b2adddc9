package xf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Parse reads whitespace-delimited xf text, one image per line.
func Parse(r io.Reader) (*Table, error) {
	var rows []Row
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != Columns {
			return nil, fmt.Errorf("%w: line %d has %d columns, want %d", ErrFormat, line, len(fields), Columns)
		}
		var row Row
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %d: %v", ErrFormat, line, i+1, err)
			}
			row[i] = v
		}
		if err := checkFinite(row); err != nil {
			return nil, fmt.Errorf("%w: line %d %v", ErrFormat, line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no transforms found", ErrFormat)
	}
	return &Table{rows: rows}, nil
}

// ReadFile parses the xf file at path.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return t, nil
}

// WriteTo writes the table in IMOD's fixed-width xf layout.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, r := range t.rows {
		c, err := fmt.Fprintf(bw, "%12.7f%12.7f%12.7f%12.7f%12.3f%12.3f\n", r[0], r[1], r[2], r[3], r[4], r[5])
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// WriteFile writes the table to path.
func (t *Table) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := t.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
