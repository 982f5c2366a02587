package recorder

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// ResponseRecorder is a http.ResponseWriter that keeps the whole response in
// memory, so that the output of an in-process handler can be used as if it
// came from the network.
type ResponseRecorder struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

// NewResponseRecorder returns a new, empty ResponseRecorder.
func NewResponseRecorder() *ResponseRecorder {
	return &ResponseRecorder{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) WriteHeader(statusCode int) {
	// only the first call counts, like with a real connection
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	// later header changes must not leak into the recorded response
	t.header = t.header.Clone()
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// StatusCode returns the status code of the response.
func (t *ResponseRecorder) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Result returns the recorded response as a http.Response for the given request.
func (t *ResponseRecorder) Result(req *http.Request) *http.Response {
	status := t.StatusCode()
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
