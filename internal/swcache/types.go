package swcache

import (
	"hash/crc32"
	"net/http"
	"time"
)

// Entry is a response snapshot as stored in a bucket.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func newEntry(status int, h http.Header, body []byte) Entry {
	ent := Entry{
		Status:   status,
		Header:   cloneHeader(h),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	for _, name := range hopHeaders {
		ent.Header.Del(name)
	}
	return ent
}

// Clone returns an independent copy: a response body can only be consumed
// once, so every destination (client, bucket) gets its own.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = make([]byte, len(e.Body))
		copy(out.Body, e.Body)
	}
	return out
}

// requestKey is the bucket key for a request: method plus request URI.
func requestKey(method, requestURI string) string {
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + requestURI
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
