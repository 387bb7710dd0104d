package probe

import (
	"net/http"
	"strings"
	"testing"
)

func TestExtractEdgeHints_Cloudflare(t *testing.T) {
	h := http.Header{}
	h.Set("CF-Ray", "8a1b2c3d4e5f6789-AMS")
	h.Set("CF-Cache-Status", "HIT")

	hints := extractEdgeHints(h)
	if hints == nil {
		t.Fatal("expected hints")
	}
	if hints.CDNProvider != "cloudflare" {
		t.Errorf("provider = %q", hints.CDNProvider)
	}
	if hints.EdgePoP != "AMS" {
		t.Errorf("pop = %q", hints.EdgePoP)
	}
	if hints.EdgeRayID != "8a1b2c3d4e5f6789-AMS" {
		t.Errorf("ray = %q", hints.EdgeRayID)
	}
	if !strings.Contains(hints.HeadersJSON, "CF-Cache-Status") {
		t.Errorf("headers json missing cache status: %s", hints.HeadersJSON)
	}
}

func TestExtractEdgeHints_CloudFront(t *testing.T) {
	h := http.Header{}
	h.Set("X-Amz-Cf-Pop", "FRA56-P1")

	hints := extractEdgeHints(h)
	if hints == nil || hints.CDNProvider != "cloudfront" || hints.EdgePoP != "FRA56-P1" {
		t.Fatalf("got %+v", hints)
	}
}

func TestExtractEdgeHints_Fastly(t *testing.T) {
	h := http.Header{}
	h.Set("X-Served-By", "cache-ams21021-AMS")

	hints := extractEdgeHints(h)
	if hints == nil || hints.CDNProvider != "fastly" || hints.EdgePoP != "AMS" {
		t.Fatalf("got %+v", hints)
	}
}

func TestExtractEdgeHints_Akamai(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "AkamaiGHost")

	hints := extractEdgeHints(h)
	if hints == nil || hints.CDNProvider != "akamai" {
		t.Fatalf("got %+v", hints)
	}
}

func TestExtractEdgeHints_None(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/html")
	if hints := extractEdgeHints(h); hints != nil {
		t.Fatalf("expected nil for plain headers, got %+v", hints)
	}
}
