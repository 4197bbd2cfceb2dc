// Package render writes command output as json, yaml or a table.
//
// Without --format, a terminal gets a table and anything else gets json.
// --no-color only affects table headers.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string, returning an error for invalid formats.
// The empty string is returned as-is so the caller can pick a default.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// FromContext builds a renderer from the --format and --no-color flags,
// writing to the app's stdout.
func FromContext(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	out := c.App.Writer
	if out == nil {
		out = os.Stdout
	}
	if format == "" {
		format = FormatJSON
		if f, ok := out.(*os.File); ok && isTTY(f) {
			format = FormatTable
		}
	}
	return New(format, c.Bool("no-color"), out), nil
}

// New creates a renderer with an explicit format and writer.
func New(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, noColor: noColor, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format {
	return r.format
}

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

func (r *Renderer) header(s string) string {
	if r.noColor {
		return s
	}
	return headerStyle.Render(s)
}

func (r *Renderer) renderTable(data any) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)

	v := indirect(reflect.ValueOf(data))
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		if v.Len() == 0 {
			fmt.Fprintln(w, "(no results)")
			return w.Flush()
		}
		headers, _ := flatten(v.Index(0))
		styled := make([]string, len(headers))
		for i, h := range headers {
			styled[i] = r.header(h)
		}
		fmt.Fprintln(w, strings.Join(styled, "\t"))
		for i := range v.Len() {
			_, row := flatten(v.Index(i))
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		return w.Flush()
	}

	keys, values := flatten(v)
	if keys == nil {
		fmt.Fprintf(w, "%s\n", formatScalar(v))
		return w.Flush()
	}
	for i, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", r.header(k+":"), values[i])
	}
	return w.Flush()
}

// flatten turns a struct or map into parallel key/value columns. Nested
// structs become dotted keys. Scalars return nil keys.
func flatten(v reflect.Value) ([]string, []string) {
	var keys, values []string
	var walk func(prefix string, v reflect.Value)
	walk = func(prefix string, v reflect.Value) {
		v = indirect(v)
		switch {
		case v.Kind() == reflect.Struct && !isTime(v):
			t := v.Type()
			for i := range t.NumField() {
				f := t.Field(i)
				if !f.IsExported() {
					continue
				}
				walk(join(prefix, fieldName(f)), v.Field(i))
			}
		case v.Kind() == reflect.Map && prefix == "":
			mk := v.MapKeys()
			sort.Slice(mk, func(i, j int) bool { return fmt.Sprint(mk[i]) < fmt.Sprint(mk[j]) })
			for _, k := range mk {
				walk(fmt.Sprint(k.Interface()), v.MapIndex(k))
			}
		default:
			keys = append(keys, prefix)
			values = append(values, formatScalar(v))
		}
	}

	v = indirect(v)
	if v.Kind() != reflect.Struct && v.Kind() != reflect.Map {
		return nil, nil
	}
	walk("", v)
	return keys, values
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return strings.ToLower(f.Name)
}

func formatScalar(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if isTime(v) {
		t := v.Interface().(time.Time)
		if t.IsZero() {
			return ""
		}
		return t.Format(time.RFC3339)
	}
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Sprintf("<%d bytes>", v.Len())
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprint(v.Interface())
	}
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func isTime(v reflect.Value) bool {
	return v.IsValid() && v.Type() == reflect.TypeOf(time.Time{})
}

// isTTY returns true if the file is a terminal.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
