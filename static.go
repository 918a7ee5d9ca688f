package privaxy

import (
	"bytes"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// apiHostPlaceholder is the token the frontend build leaves in index.html
// for the externally reachable API address.
const apiHostPlaceholder = "{#api_host#}"

// compressMinSize is the minimum payload size worth compressing.
const compressMinSize = 256

// WebGUIHandler serves the bundled web frontend. Any path that resolves to
// a bundled file is served as-is; everything else falls back to index.html
// (the frontend is a single-page app and does its own routing). index.html
// is served with the API address substituted for the placeholder token.
type WebGUIHandler struct {
	// Assets is the frontend file tree.
	Assets fs.FS

	// APIHost is interpolated into index.html.
	APIHost string

	// Logger for serving errors.
	Logger *slog.Logger
}

// NewWebGUIHandler creates a handler serving assets with apiHost
// substituted into index.html.
func NewWebGUIHandler(assets fs.FS, apiHost string) *WebGUIHandler {
	return &WebGUIHandler{
		Assets:  assets,
		APIHost: apiHost,
		Logger:  slog.Default(),
	}
}

// ServeHTTP implements http.Handler.
func (h *WebGUIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" || name == "." {
		name = "index.html"
	}

	isIndex := name == "index.html"
	contents, err := fs.ReadFile(h.Assets, name)
	if err != nil {
		// Unknown paths belong to the frontend router.
		isIndex = true
		name = "index.html"
		contents, err = fs.ReadFile(h.Assets, name)
		if err != nil {
			h.Logger.Error("web gui index.html missing", "error", err)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
	}

	if isIndex {
		contents = bytes.ReplaceAll(contents, []byte(apiHostPlaceholder), []byte(h.APIHost))
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = http.DetectContentType(contents)
	}
	w.Header().Set("Content-Type", contentType)

	if encoding := negotiateEncoding(r.Header.Get("Accept-Encoding")); encoding != "" && len(contents) >= compressMinSize {
		if compressed, err := compressPayload(encoding, contents); err == nil {
			w.Header().Set("Content-Encoding", encoding)
			w.Header().Set("Vary", "Accept-Encoding")
			contents = compressed
		}
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(contents)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(contents)
	}
}

// encodingPreference is the server-side order when the client accepts
// several encodings.
var encodingPreference = []string{"br", "zstd", "gzip"}

// negotiateEncoding picks the best supported encoding from an
// Accept-Encoding header, or "" for identity.
func negotiateEncoding(header string) string {
	if header == "" {
		return ""
	}

	accepted := make(map[string]struct{})
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		// Strip quality values ("gzip;q=0.8").
		if idx := strings.Index(part, ";"); idx != -1 {
			part = strings.TrimSpace(part[:idx])
		}
		if part != "" && part != "identity" {
			accepted[part] = struct{}{}
		}
	}

	for _, enc := range encodingPreference {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}
	return ""
}

// compressPayload compresses data with the given encoding.
func compressPayload(encoding string, data []byte) ([]byte, error) {
	var buf bytes.Buffer

	switch encoding {
	case "br":
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

	case "zstd":
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

	case "gzip":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

	default:
		return data, nil
	}

	return buf.Bytes(), nil
}
