package offline

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

func newEntry(resp *http.Response, body []byte) Entry {
	h := resp.Header.Clone()
	h.Del("Content-Length")
	return Entry{Status: resp.StatusCode, Header: h, Body: body, StoredAt: time.Now().UTC()}
}

func (e Entry) response(req *http.Request) *http.Response {
	return build(req, e.Status, e.Header.Clone(), e.Body)
}

func build(req *http.Request, status int, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

func multiReadCloser(head io.Reader, rest io.ReadCloser) io.ReadCloser {
	return readCloser{Reader: io.MultiReader(head, rest), Closer: rest}
}
