package executor

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

const acceptEncoding = "gzip, deflate, br, zstd"

// applyHeaders sets the common request headers for an upstream call.
func applyHeaders(r *http.Request, token, contentType string, extra map[string]string) {
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("Accept-Encoding", acceptEncoding)
	r.Header.Set("User-Agent", "llm-failover")
	for k, v := range extra {
		r.Header.Set(k, v)
	}
}

var gzipReaderPool = sync.Pool{
	New: func() any { return new(gzip.Reader) },
}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		decoder, _ := zstd.NewReader(nil)
		return decoder
	},
}

var brotliReaderPool = sync.Pool{
	New: func() any { return new(brotli.Reader) },
}

// readCloser pairs a decoding reader with the cleanup that returns it to its pool.
type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }

// decodeResponseBody wraps body with a decompressor matching contentEncoding.
// Unknown or identity encodings return body unchanged.
func decodeResponseBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	if body == nil {
		return nil, fmt.Errorf("response body is nil")
	}
	for _, raw := range strings.Split(contentEncoding, ",") {
		switch strings.TrimSpace(strings.ToLower(raw)) {
		case "gzip":
			gr := gzipReaderPool.Get().(*gzip.Reader)
			if err := gr.Reset(body); err != nil {
				gzipReaderPool.Put(gr)
				_ = body.Close()
				return nil, fmt.Errorf("failed to reset gzip reader: %w", err)
			}
			return &readCloser{Reader: gr, close: func() error {
				err := gr.Close()
				gzipReaderPool.Put(gr)
				if errBody := body.Close(); errBody != nil && err == nil {
					err = errBody
				}
				return err
			}}, nil
		case "deflate":
			fr := flate.NewReader(body)
			return &readCloser{Reader: fr, close: func() error {
				_ = fr.Close()
				return body.Close()
			}}, nil
		case "br":
			br := brotliReaderPool.Get().(*brotli.Reader)
			if err := br.Reset(body); err != nil {
				brotliReaderPool.Put(br)
				_ = body.Close()
				return nil, fmt.Errorf("failed to reset brotli reader: %w", err)
			}
			return &readCloser{Reader: br, close: func() error {
				brotliReaderPool.Put(br)
				return body.Close()
			}}, nil
		case "zstd":
			decoder := zstdDecoderPool.Get().(*zstd.Decoder)
			if err := decoder.Reset(body); err != nil {
				zstdDecoderPool.Put(decoder)
				_ = body.Close()
				return nil, fmt.Errorf("failed to reset zstd decoder: %w", err)
			}
			return &readCloser{Reader: decoder, close: func() error {
				_ = decoder.Reset(nil)
				zstdDecoderPool.Put(decoder)
				return body.Close()
			}}, nil
		}
	}
	return body, nil
}

// readBody reads and decompresses a response body, closing it.
func readBody(resp *http.Response) ([]byte, error) {
	body, err := decodeResponseBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return io.ReadAll(body)
}

// summarizeErrorBody trims an upstream error body for logs and error messages.
func summarizeErrorBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}
