// Package csvio bridges delimited-text byte streams into the pipeline's
// row-at-a-time model. Readers and writers never buffer the whole table;
// quoting and character-set concerns stop at this package boundary.
package csvio

import (
	"encoding/csv"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/wehubfusion/Atlas/pkg/errors"
)

// lookupEncoding maps a user-facing charset name to an encoding.
// nil means the stream is already UTF-8 and needs no transform.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "latin-1", "latin1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	default:
		return nil, errors.Newf(errors.CodeConfig, "unsupported encoding %q", name)
	}
}

// Reader produces rows lazily from a delimited-text stream. The header is
// consumed during construction, before any data row.
type Reader struct {
	cr     *csv.Reader
	header []string
}

// NewReader wraps r, decoding from the named charset, and reads the header
// row. An empty charset means UTF-8.
func NewReader(r io.Reader, charset string) (*Reader, error) {
	enc, err := lookupEncoding(charset)
	if err != nil {
		return nil, err
	}
	if enc != nil {
		r = transform.NewReader(r, enc.NewDecoder())
	}

	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.Newf(errors.CodeConfig, "input is empty, expected a header row")
	}
	if err != nil {
		return nil, errors.NewError(errors.CodeConfig, "could not read header row", err)
	}

	return &Reader{cr: cr, header: header}, nil
}

// Header returns the header row read at construction time
func (r *Reader) Header() []string {
	return r.header
}

// Read returns the next data row, or io.EOF after the last one. Each call
// returns a freshly allocated row; ownership passes to the caller.
func (r *Reader) Read() ([]string, error) {
	return r.cr.Read()
}

// Writer streams a delimited table out. The header must be written exactly
// once, before any data row.
type Writer struct {
	cw          *csv.Writer
	wroteHeader bool
}

// NewWriter wraps w, encoding to the named charset. An empty charset means
// UTF-8.
func NewWriter(w io.Writer, charset string) (*Writer, error) {
	enc, err := lookupEncoding(charset)
	if err != nil {
		return nil, err
	}
	if enc != nil {
		w = transform.NewWriter(w, enc.NewEncoder())
	}
	return &Writer{cw: csv.NewWriter(w)}, nil
}

// WriteHeader writes the header row. Calling it twice is a bug in the caller.
func (w *Writer) WriteHeader(header []string) error {
	if w.wroteHeader {
		return errors.Newf(errors.CodeStage, "header written twice")
	}
	w.wroteHeader = true
	return w.cw.Write(header)
}

// WriteRow writes one data row
func (w *Writer) WriteRow(row []string) error {
	if !w.wroteHeader {
		return errors.Newf(errors.CodeStage, "data row written before header")
	}
	return w.cw.Write(row)
}

// Flush flushes buffered rows to the underlying stream and reports any
// write error deferred by the csv layer.
func (w *Writer) Flush() error {
	w.cw.Flush()
	return w.cw.Error()
}
