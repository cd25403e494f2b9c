package tabular

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapipe/internal/model"
)

// Format is a supported file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("tabular: unsupported format %q", s)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "csv", "txt":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("tabular: unsupported file extension %q", filepath.Ext(path))
	}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// ContentType returns the MIME type recorded on artifact pointers.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return model.ContentTypeXLSX
	}
	return model.ContentTypeCSV
}

// Decode reads a table in format f.
func Decode(ctx context.Context, r io.Reader, f Format, csvOpts CSVOptions) (*Table, error) {
	switch f {
	case FormatXLSX:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, eris.Wrap(err, "tabular: read xlsx")
		}
		return ReadXLSX(data, XLSXOptions{})
	default:
		return ReadCSV(ctx, r, csvOpts)
	}
}

// Encode serialises t in format f.
func Encode(t *Table, f Format) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch f {
	case FormatXLSX:
		err = WriteXLSX(&buf, t)
	default:
		err = WriteCSV(&buf, t)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
