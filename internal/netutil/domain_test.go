package netutil

import "testing"

func TestExtractDomain(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://status.example.co.uk/health", "example.co.uk"},
		{"http://example.com", "example.com"},
		{"api.example.com:8443", "example.com"},
		{"deep.sub.example.org", "example.org"},
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:80", "::1"},
		{"localhost", "localhost"},
	}
	for _, c := range cases {
		if got := ExtractDomain(c.in); got != c.want {
			t.Errorf("ExtractDomain(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestHostPort(t *testing.T) {
	host, port, ok := HostPort("example.com:443")
	if !ok || host != "example.com" || port != 443 {
		t.Fatalf("got (%q, %d, %v)", host, port, ok)
	}

	if _, _, ok := HostPort("example.com"); ok {
		t.Error("missing port should not be ok")
	}
	if _, _, ok := HostPort("example.com:0"); ok {
		t.Error("port 0 should not be ok")
	}
	if _, _, ok := HostPort("example.com:99999"); ok {
		t.Error("port above 65535 should not be ok")
	}
	if _, _, ok := HostPort("example.com:https"); ok {
		t.Error("named port should not be ok")
	}

	host, port, ok = HostPort("[2001:db8::1]:9000")
	if !ok || host != "2001:db8::1" || port != 9000 {
		t.Fatalf("ipv6: got (%q, %d, %v)", host, port, ok)
	}
}
