package patron

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Table is a parsed delimited file with every cell kept as an exact string.
type Table struct {
	Header    []string
	Rows      [][]string
	Delimiter rune
	Encoding  string
	Warnings  []ParseWarning
}

// ParseWarning notes a row that had to be padded or truncated, or a line
// holding bytes that were not valid UTF-8.
type ParseWarning struct {
	Row     int
	Message string
}

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// candidate delimiters in tie-break order
var delimiters = []rune{'|', '\t', ','}

// ReadTable parses a pipe, tab or comma separated file. The delimiter is the
// candidate that occurs most often in the first line. Short rows are padded
// and long rows truncated to the header width.
func ReadTable(r io.Reader) (*Table, error) {
	return readTable(r, 0)
}

// ReadTableDelimited parses r using a fixed delimiter.
func ReadTableDelimited(r io.Reader, delim rune) (*Table, error) {
	return readTable(r, delim)
}

func readTable(r io.Reader, delim rune) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data, enc, encWarning, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	data = norm.NFC.Bytes(data)

	if delim == 0 {
		firstLine := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			firstLine = data[:i]
		}
		delim = detectDelimiter(string(firstLine))
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("file has no header row")
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}

	t := &Table{Delimiter: delim, Encoding: enc}
	if encWarning != nil {
		t.Warnings = append(t.Warnings, *encWarning)
	}
	for _, h := range header {
		t.Header = append(t.Header, strings.TrimSpace(h))
	}

	width := len(t.Header)
	rowNum := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNum++
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", rowNum, err)
		}

		switch {
		case len(rec) < width:
			t.Warnings = append(t.Warnings, ParseWarning{
				Row:     rowNum,
				Message: fmt.Sprintf("has %d fields, expected %d; padded", len(rec), width),
			})
			padded := make([]string, width)
			copy(padded, rec)
			rec = padded
		case len(rec) > width:
			t.Warnings = append(t.Warnings, ParseWarning{
				Row:     rowNum,
				Message: fmt.Sprintf("has %d fields, expected %d; truncated", len(rec), width),
			})
			rec = rec[:width]
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// ReadTableFile opens path and parses it. A zero delim auto-detects.
func ReadTableFile(path string, delim rune) (*Table, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readTable(f, delim)
}

// decode returns data as UTF-8. BOM-marked files are decoded accordingly and
// valid UTF-8 passes through. A file with no valid multi-byte sequence at all
// is read as Windows-1252; otherwise only the invalid bytes are mapped through
// Windows-1252 so correctly encoded text survives. Both fallbacks return a
// warning naming the first line with a bad byte.
func decode(data []byte) ([]byte, string, *ParseWarning, error) {
	switch {
	case bytes.HasPrefix(data, bomUTF8):
		return data[len(bomUTF8):], "utf-8-sig", nil, nil
	case bytes.HasPrefix(data, bomUTF16LE), bytes.HasPrefix(data, bomUTF16BE):
		out, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), data)
		return out, "utf-16", nil, err
	case utf8.Valid(data):
		return data, "utf-8", nil, nil
	}

	out := make([]byte, 0, len(data)+len(data)/8)
	line, firstBad, bad, multi := 1, 0, 0, false
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			if bad == 0 {
				firstBad = line
			}
			bad++
			out = utf8.AppendRune(out, charmap.Windows1252.DecodeByte(data[i]))
			i++
			continue
		}
		if size > 1 {
			multi = true
		}
		if data[i] == '\n' {
			line++
		}
		out = append(out, data[i:i+size]...)
		i += size
	}

	enc := "utf-8+windows-1252"
	if !multi {
		enc = "windows-1252"
	}
	w := &ParseWarning{
		Row:     firstBad,
		Message: fmt.Sprintf("%d byte(s) are not valid UTF-8 (first on line %d); read as Windows-1252", bad, firstBad),
	}
	return out, enc, w, nil
}

func detectDelimiter(line string) rune {
	best, bestCount := delimiters[0], -1
	for _, d := range delimiters {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func delimiterName(d rune) string {
	switch d {
	case '|':
		return "pipe"
	case '\t':
		return "tab"
	case ',':
		return "comma"
	}
	return string(d)
}

// Write renders the table tab-delimited with a header row. Values are quoted
// only when they contain a tab, a double quote or a line break.
func (t *OutputTable) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	writeRow := func(row []string) error {
		for i, v := range row {
			if i > 0 {
				if err := bw.WriteByte('\t'); err != nil {
					return err
				}
			}
			if _, err := bw.WriteString(quoteField(v)); err != nil {
				return err
			}
		}
		return bw.WriteByte('\n')
	}

	if err := writeRow(t.Header); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := writeRow(row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes the table to path, creating parent directories.
func (t *OutputTable) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	if err := t.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func quoteField(v string) string {
	if !strings.ContainsAny(v, "\t\"\r\n") {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

// LoadHeaders reads a single-line, tab-separated column list. When expected is
// positive the number of non-empty names must match it.
func LoadHeaders(path string, expected int) ([]string, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("headers file: %w", err)
	}
	raw = bytes.TrimPrefix(raw, bomUTF8)

	var headers []string
	for _, h := range strings.Split(strings.TrimSpace(string(raw)), "\t") {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, h)
		}
	}
	if expected > 0 && len(headers) != expected {
		return nil, fmt.Errorf("%w: %s has %d headers, expected %d", ErrSchemaSize, path, len(headers), expected)
	}
	return headers, nil
}
