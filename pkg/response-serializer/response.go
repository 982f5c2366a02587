package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// Reading the body consumes it, so the body of res is replaced with a fresh
// reader over the same bytes: res can still be sent to the client afterwards.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			res.Body = http.NoBody
			return nil, err
		}
		body = b
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	// write a normalized copy so that the original keeps its protocol fields
	snapshot := *res
	snapshot.Proto = "HTTP/1.1"
	snapshot.ProtoMajor = 1
	snapshot.ProtoMinor = 1
	snapshot.Header = res.Header.Clone()
	snapshot.TransferEncoding = nil
	snapshot.ContentLength = int64(len(body))
	snapshot.Body = io.NopCloser(bytes.NewReader(body))
	snapshot.Close = false
	if snapshot.Header == nil {
		snapshot.Header = make(http.Header)
	}
	snapshot.Header.Del("Transfer-Encoding")

	buf := &bytes.Buffer{}
	if err := snapshot.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts a byte slice created by ResponseToBytes to a http.Response.
// Every call returns an independent response with its own body.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// Clone returns an independent copy of res. The body of res is buffered and
// restored, so both responses can be consumed separately.
func Clone(res *http.Response) (*http.Response, error) {
	b, err := ResponseToBytes(res)
	if err != nil {
		return nil, err
	}
	return BytesToResponse(b, res.Request)
}

// Ok reports whether the status code of res is a success (2xx).
// Only successful responses are ever written to a cache.
func Ok(res *http.Response) bool {
	return res != nil && res.StatusCode >= 200 && res.StatusCode <= 299
}
