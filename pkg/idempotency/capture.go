package idempotency

import (
	"bytes"
	"net/http"
)

// responseCapture buffers a handler's response so it can be recorded before
// anything reaches the client. Past the size limit, or when the handler
// flushes, it degrades to pass-through and marks the response as bypassed.
type responseCapture struct {
	w           http.ResponseWriter
	limit       int64
	status      int
	wroteHeader bool
	header      http.Header // frozen at WriteHeader; later mutations are dropped
	buf         bytes.Buffer
	bypass      string
	committed   bool
}

func newResponseCapture(w http.ResponseWriter, limit int64) *responseCapture {
	return &responseCapture{w: w, limit: limit, status: http.StatusOK}
}

func (c *responseCapture) Header() http.Header { return c.w.Header() }

func (c *responseCapture) WriteHeader(code int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = code
	c.header = c.w.Header().Clone()
	if c.bypass != "" {
		c.w.WriteHeader(code)
	}
}

func (c *responseCapture) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	if c.bypass != "" {
		return c.w.Write(p)
	}
	if int64(c.buf.Len()+len(p)) > c.limit {
		if err := c.passThrough(BypassResponseTooLarge); err != nil {
			return 0, err
		}
		return c.w.Write(p)
	}
	return c.buf.Write(p)
}

func (c *responseCapture) Flush() {
	if c.bypass == "" {
		if !c.wroteHeader {
			c.WriteHeader(http.StatusOK)
		}
		if err := c.passThrough(BypassStreaming); err != nil {
			return
		}
	}
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *responseCapture) Unwrap() http.ResponseWriter { return c.w }

// passThrough stops buffering: the bypass header, the status and whatever was
// buffered so far go out immediately.
func (c *responseCapture) passThrough(reason string) error {
	c.bypass = reason
	c.committed = true
	if c.header != nil {
		resetHeader(c.w.Header(), c.header)
	}
	c.w.Header().Set(BypassHeader, reason)
	c.w.WriteHeader(c.status)
	if c.buf.Len() == 0 {
		return nil
	}
	_, err := c.w.Write(c.buf.Bytes())
	c.buf.Reset()
	return err
}

func (c *responseCapture) bypassed() bool { return c.bypass != "" }

func (c *responseCapture) contentType() string { return c.sentHeader().Get("Content-Type") }

// sentHeader is the header set the client will see: the snapshot taken at
// WriteHeader, or the live map when the handler never wrote anything.
func (c *responseCapture) sentHeader() http.Header {
	if c.header != nil {
		return c.header
	}
	return c.w.Header()
}

func (c *responseCapture) body() []byte { return c.buf.Bytes() }

// commit releases the buffered response to the client. It runs at most once.
func (c *responseCapture) commit() error {
	if c.committed {
		return nil
	}
	c.committed = true
	if c.header != nil {
		resetHeader(c.w.Header(), c.header)
	}
	c.w.WriteHeader(c.status)
	if c.buf.Len() == 0 {
		return nil
	}
	_, err := c.w.Write(c.buf.Bytes())
	return err
}
