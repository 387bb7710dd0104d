package probe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

// relevantHintHeaders are serialized into EdgeHints.HeadersJSON when present.
var relevantHintHeaders = []string{
	"Server", "Via", "Age", "X-Cache", "X-Cache-Status",
	"CF-Ray", "CF-Cache-Status",
	"X-Amz-Cf-Pop", "X-Amz-Cf-Id",
	"X-Served-By", "X-Timer",
	"X-Vercel-Id", "X-Vercel-Cache",
	"Fly-Request-Id",
}

// extractEdgeHints guesses the CDN provider and edge point of presence
// from response headers. Best-effort; an empty struct is normal.
func extractEdgeHints(h http.Header) *model.EdgeHints {
	hints := &model.EdgeHints{}

	if ray := h.Get("CF-Ray"); ray != "" {
		hints.CDNProvider = "cloudflare"
		hints.EdgeRayID = ray
		if i := strings.LastIndexByte(ray, '-'); i >= 0 && i+1 < len(ray) {
			hints.EdgePoP = ray[i+1:]
		}
	} else if pop := h.Get("X-Amz-Cf-Pop"); pop != "" {
		hints.CDNProvider = "cloudfront"
		hints.EdgePoP = pop
		hints.EdgeRayID = h.Get("X-Amz-Cf-Id")
	} else if served := h.Get("X-Served-By"); served != "" {
		hints.CDNProvider = "fastly"
		// Fastly reports "cache-<pop><n>-<POP>"; the last segment names
		// the PoP.
		if i := strings.LastIndexByte(served, '-'); i >= 0 && i+1 < len(served) {
			hints.EdgePoP = served[i+1:]
		}
	} else if vid := h.Get("X-Vercel-Id"); vid != "" {
		hints.CDNProvider = "vercel"
		hints.EdgeRayID = vid
	} else if strings.Contains(strings.ToLower(h.Get("Server")), "akamai") {
		hints.CDNProvider = "akamai"
	}

	captured := make(map[string]string)
	for _, name := range relevantHintHeaders {
		if v := h.Get(name); v != "" {
			captured[name] = v
		}
	}
	if len(captured) > 0 {
		if data, err := json.Marshal(captured); err == nil {
			hints.HeadersJSON = string(data)
		}
	}

	if *hints == (model.EdgeHints{}) {
		return nil
	}
	return hints
}

// certSnapshot captures the leaf certificate of an HTTPS response.
// Returns nil for plain HTTP or when no peer certificate is available.
func certSnapshot(resp *http.Response) *model.SSLCertInfo {
	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		return nil
	}
	leaf := resp.TLS.PeerCertificates[0]
	sum := sha256.Sum256(leaf.Raw)
	return &model.SSLCertInfo{
		FingerprintSHA256: hex.EncodeToString(sum[:]),
		Issuer:            leaf.Issuer.CommonName,
		Subject:           leaf.Subject.CommonName,
		NotBeforeMs:       leaf.NotBefore.UnixMilli(),
		NotAfterMs:        leaf.NotAfter.UnixMilli(),
		LastCheckedMs:     time.Now().UnixMilli(),
	}
}
