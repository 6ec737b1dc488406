package serializer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

var delim = []byte("\r\n\r\n----\r\n\r\n")

// Snapshot returns the HTTP/1.1 representation of the response, preceded by
// the request that produced it.
// The body is read exactly once and then set back on res, so the caller can
// still send the original response after taking the snapshot.
func Snapshot(res *http.Response) ([]byte, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	if req := res.Request; req != nil {
		if err := writeRequest(buf, req); err != nil {
			log.Warn().Err(err).Msg("Could not write request to bytes")
		}
	}
	buf.Write(delim)

	clone := *res
	clone.Header = res.Header.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.TransferEncoding = nil
	clone.Trailer = nil
	if clone.ProtoMajor == 0 {
		clone.ProtoMajor, clone.ProtoMinor = 1, 1
	}
	if err := clone.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore creates a new response from a snapshot.
// Every restored response has its own body reader.
func Restore(b []byte) (*http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, fmt.Errorf("Malformed snapshot (%d bytes)", len(b))
	}
	var req *http.Request
	if len(reqBytes) > 0 {
		var err error
		req, err = http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
		if err != nil {
			log.Warn().Err(err).Msg("Could not read request from snapshot")
			req = nil
		}
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
}

// readBody reads the full body and sets it back on the response.
func readBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return nil, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return body, nil
}

// writeRequest writes the request line and headers, never the body.
func writeRequest(w io.Writer, req *http.Request) error {
	r := req.WithContext(context.Background())
	r.Body = nil
	r.ContentLength = 0
	r.GetBody = nil
	return r.Write(w)
}
