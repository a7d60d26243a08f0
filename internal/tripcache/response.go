package tripcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"hash/crc32"
	"net/http"
	"strings"
	"time"
)

// Response is a fully buffered HTTP response. It is what the network hands
// back to a strategy and what a cache generation stores.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32
}

// OK reports a 2xx status. Only OK responses are ever written to a cache.
func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func (r Response) Clone() Response {
	out := r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

func newResponse(status int, h http.Header, body []byte) Response {
	resp := Response{
		Status:   status,
		Header:   cloneHeader(h),
		Body:     body,
		StoredAt: time.Now().UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	resp.Header.Del("Content-Length")
	return resp
}

// requestKey identifies a cached response by method and request URI. The
// host is not part of the key: a generation only ever holds same-origin
// responses.
func requestKey(method, requestURI string) string {
	if requestURI == "" {
		requestURI = "/"
	}
	return strings.ToUpper(method) + " " + requestURI
}

// cachePartition scopes a request by its credentials. Requests without an
// Authorization or Cookie header share the anonymous partition "".
func cachePartition(req *http.Request) string {
	auth := strings.TrimSpace(req.Header.Get("Authorization"))
	cookies := req.Header.Values("Cookie")
	if auth == "" && len(cookies) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(auth + "\n" + strings.Join(cookies, "; ")))
	return hex.EncodeToString(sum[:16])
}

// partitionKey appends a credential partition to a request key. The
// separator cannot occur in an escaped request URI.
func partitionKey(key, partition string) string {
	return key + keySep + "p=" + partition
}

// storable applies the response's Cache-Control. no-store is never kept;
// private is kept only inside a credential partition.
func storable(h http.Header, partitioned bool) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if name, _, _ := strings.Cut(d, "="); name == "no-store" || (name == "private" && !partitioned) {
				return false
			}
		}
	}
	return true
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

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
