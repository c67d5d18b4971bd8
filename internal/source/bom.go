package source

import (
	"bytes"
	"io"
)

// utf8BOM is commonly written by Windows spreadsheet exports. Left in
// place it becomes part of the first field of the first row.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// bomReader drops a leading UTF-8 BOM and passes everything else through.
type bomReader struct {
	r       io.Reader
	checked bool
	pending []byte
}

func skipBOM(r io.Reader) io.Reader {
	return &bomReader{r: r}
}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true

		var head [3]byte
		n, err := io.ReadFull(b.r, head[:])
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return 0, err
		}
		if !bytes.Equal(head[:n], utf8BOM) {
			b.pending = append([]byte(nil), head[:n]...)
		}
	}

	if len(b.pending) > 0 {
		n := copy(p, b.pending)
		b.pending = b.pending[n:]
		return n, nil
	}
	return b.r.Read(p)
}

// hasBOM reports whether f starts with a UTF-8 BOM without moving its
// read offset.
func hasBOM(f io.ReaderAt) bool {
	var head [3]byte
	n, _ := f.ReadAt(head[:], 0)
	return bytes.Equal(head[:n], utf8BOM)
}
