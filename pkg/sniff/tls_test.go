package sniff

import "testing"

func buildClientHello(sni string) []byte {
	var hs []byte
	hs = append(hs, 0x03, 0x03) // client_version
	hs = append(hs, make([]byte, 32)...) // random
	hs = append(hs, 0x00)       // session id len
	hs = append(hs, 0x00, 0x02, 0x13, 0x01) // cipher suites (len=2)
	hs = append(hs, 0x01, 0x00) // compression methods (len=1, null)

	var ext []byte
	if sni != "" {
		name := []byte(sni)
		sniList := append([]byte{0x00}, byte(len(name)>>8), byte(len(name)))
		sniList = append(sniList, name...)
		sniListLen := len(sniList)
		sniExtBody := append([]byte{byte(sniListLen >> 8), byte(sniListLen)}, sniList...)
		ext = append(ext, 0x00, 0x00) // extension type server_name
		ext = append(ext, byte(len(sniExtBody)>>8), byte(len(sniExtBody)))
		ext = append(ext, sniExtBody...)
	}
	hs = append(hs, byte(len(ext)>>8), byte(len(ext)))
	hs = append(hs, ext...)

	body := append([]byte{0x01, byte(len(hs) >> 16), byte(len(hs) >> 8), byte(len(hs))}, hs...)

	record := []byte{0x16, 0x03, 0x01, byte(len(body) >> 8), byte(len(body))}
	record = append(record, body...)
	return record
}

func TestIsClientHello(t *testing.T) {
	ch := buildClientHello("discord.com")
	if !IsClientHello(ch) {
		t.Fatal("expected valid ClientHello to be detected")
	}

	if IsClientHello([]byte("GET / HTTP/1.1\r\n")) {
		t.Fatal("expected HTTP request not to be detected as ClientHello")
	}

	if IsClientHello([]byte{0x16, 0x03}) {
		t.Fatal("expected short buffer not to be detected as ClientHello")
	}
}

func TestParseClientHelloExtractsSNI(t *testing.T) {
	ch := buildClientHello("discord.com")
	info := ParseClientHello(ch)

	if !info.IsValid {
		t.Fatal("expected IsValid true")
	}
	if info.SNIHostname != "discord.com" {
		t.Fatalf("SNIHostname = %q, want %q", info.SNIHostname, "discord.com")
	}
	if !info.HasSNI() {
		t.Fatal("expected HasSNI true")
	}
}

func TestParseClientHelloNoSNI(t *testing.T) {
	ch := buildClientHello("")
	info := ParseClientHello(ch)

	if !info.IsValid {
		t.Fatal("expected IsValid true even without SNI")
	}
	if info.HasSNI() {
		t.Fatal("expected HasSNI false when no server_name extension present")
	}
}

func TestParseClientHelloTruncated(t *testing.T) {
	ch := buildClientHello("discord.com")
	for cut := 0; cut < 6; cut++ {
		info := ParseClientHello(ch[:cut])
		if info.IsValid {
			t.Fatalf("truncated buffer of length %d should not parse as valid", cut)
		}
	}
}

func TestParseClientHelloMalformedNeverPanics(t *testing.T) {
	garbage := [][]byte{
		nil,
		{},
		{0x16},
		{0x16, 0x03, 0x01, 0xff, 0xff, 0x01, 0x00, 0x00},
		repeatByte(0xAA, 300),
	}
	for _, g := range garbage {
		_ = ParseClientHello(g)
	}
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
