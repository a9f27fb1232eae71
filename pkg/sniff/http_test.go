package sniff

import "testing"

func TestIsHTTPRequest(t *testing.T) {
	cases := map[string]bool{
		"GET / HTTP/1.1\r\n":                  true,
		"POST /api HTTP/1.1\r\n":              true,
		"CONNECT example.com:443 HTTP/1.1\r\n": true,
		"POST":                                 true,
		"PUTTING":                              false,
		"\x16\x03\x01\x00\x05hello":           false,
		"":                                    false,
	}
	for in, want := range cases {
		if got := IsHTTPRequest([]byte(in)); got != want {
			t.Errorf("IsHTTPRequest(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFindHTTPHost(t *testing.T) {
	req := "GET / HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"
	host, _, ok := FindHTTPHost([]byte(req))
	if !ok {
		t.Fatal("expected Host header to be found")
	}
	if host != "example.com" {
		t.Errorf("host = %q, want %q", host, "example.com")
	}
}

func TestFindHTTPHostWithPort(t *testing.T) {
	req := "GET / HTTP/1.1\r\nHost: example.com:8443\r\n\r\n"
	host, _, ok := FindHTTPHost([]byte(req))
	if !ok || host != "example.com:8443" {
		t.Fatalf("got host=%q ok=%v, want example.com:8443/true", host, ok)
	}
}

func TestFindHTTPHostMissing(t *testing.T) {
	req := "GET / HTTP/1.1\r\nUser-Agent: test\r\n\r\n"
	_, _, ok := FindHTTPHost([]byte(req))
	if ok {
		t.Fatal("expected no Host header to be found")
	}
}

func TestFindHTTPHostNoTrailingBlankLine(t *testing.T) {
	req := "GET / HTTP/1.1\r\nHost: example.com\r\n"
	host, _, ok := FindHTTPHost([]byte(req))
	if !ok || host != "example.com" {
		t.Fatalf("got host=%q ok=%v, want example.com/true", host, ok)
	}
}
