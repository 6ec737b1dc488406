package tee

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer.
// A handler that cannot produce a response at all (e.g. a reverse proxy that
// could not reach its upstream) reports it with Fail.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	err          error
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	// informational responses are not the final response
	if statusCode < 200 || t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// Flush is a no-op, the whole response is buffered anyway.
func (t *ResponseSaver) Flush() {}

// Fail records that no response could be obtained.
func (t *ResponseSaver) Fail(err error) {
	t.err = err
}

// Err returns the error recorded with Fail, if any.
func (t *ResponseSaver) Err() error {
	return t.err
}

// Response returns the recorded response as an *http.Response for the given request.
func (t *ResponseSaver) Response(req *http.Request) *http.Response {
	status := t.status
	if status == 0 {
		status = http.StatusOK
	}
	body := t.b.Bytes()
	header := t.header.Clone()
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// NewResponseSaver returns a new ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}
