package strategy

import "io"

type progressWriter struct {
	w     io.Writer
	total int64
	fn    ProgressFunc
}

// NewProgressWriter reports offset plus the bytes written so far after every
// Write that moved data.
func NewProgressWriter(w io.Writer, offset int64, fn ProgressFunc) io.Writer {
	if fn == nil {
		return w
	}
	return &progressWriter{w: w, total: offset, fn: fn}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.total += int64(n)
		p.fn(p.total)
	}
	return n, err
}

type progressReader struct {
	r     io.Reader
	total int64
	fn    ProgressFunc
}

// NewProgressReader reports offset plus the bytes read so far after every
// Read that moved data.
func NewProgressReader(r io.Reader, offset int64, fn ProgressFunc) io.Reader {
	if fn == nil {
		return r
	}
	return &progressReader{r: r, total: offset, fn: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.total += int64(n)
		p.fn(p.total)
	}
	return n, err
}
