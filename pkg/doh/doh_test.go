package doh

import (
	"net/netip"
	"testing"
)

func TestParseCloudflareResponse(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/dns-json\r\n\r\n" +
		`{"Status":0,"Answer":[{"name":"discord.com","type":1,"TTL":300,"data":"162.159.130.234"},` +
		`{"name":"discord.com","type":1,"TTL":300,"data":"162.159.129.234"}]}`

	addrs := parseDoHResponse(response)
	if len(addrs) == 0 {
		t.Fatal("expected at least one address")
	}
	found := false
	for _, a := range addrs {
		if len(a.String()) >= 7 && a.String()[:7] == "162.159" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an address starting with 162.159, got %v", addrs)
	}
}

func TestParseGoogleResponse(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\n\r\n" +
		`{"Status":0,"Answer":[{"name":"discord.com.","type":1,"TTL":60,"data":"162.159.130.234"}]}`

	addrs := parseDoHResponse(response)
	if len(addrs) == 0 {
		t.Fatal("expected at least one address")
	}
}

func TestParseResponseNoBody(t *testing.T) {
	addrs := parseDoHResponse("HTTP/1.1 500 Internal Server Error\r\n\r\n")
	if len(addrs) != 0 {
		t.Fatalf("expected no addresses, got %v", addrs)
	}
}

func TestResolverCachesResult(t *testing.T) {
	r := New()
	r.cacheResult("example.com", mustAddrs("1.2.3.4"))

	addrs, ok := r.getCached("example.com")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(addrs) != 1 || addrs[0].String() != "1.2.3.4" {
		t.Fatalf("unexpected cached addrs: %v", addrs)
	}
}

func mustAddrs(s string) []netip.Addr {
	return parseDoHResponse(`{"data":"` + s + `"}`)
}

