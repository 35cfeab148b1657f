package util

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	if version == "" {
		t.Error("Expected embedded version")
	}
	if strings.ContainsAny(version, " \n") {
		t.Errorf("Version should be trimmed, got %q", version)
	}
}

func TestGetNameAndVersion(t *testing.T) {
	result := GetNameAndVersion()
	expected := "apfed / " + GetVersion()
	if result != expected {
		t.Errorf("Expected '%s', got '%s'", expected, result)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "apfed/") {
		t.Errorf("Unexpected user agent %q", ua)
	}
}

func TestPrettyPrint(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{name: "map", input: map[string]int{"attempts": 3}},
		{name: "slice", input: []string{"a", "b"}},
		{name: "string", input: "simple string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := PrettyPrint(tt.input)
			if len(result) == 0 {
				t.Error("PrettyPrint returned empty string")
			}
		})
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	keypair, err := generatePemKeypair(1024)
	if err != nil {
		t.Fatalf("generatePemKeypair failed: %v", err)
	}

	if !strings.Contains(keypair.Private, "BEGIN RSA PRIVATE KEY") {
		t.Error("Private key doesn't have PEM header")
	}
	if !strings.Contains(keypair.Public, "BEGIN PUBLIC KEY") {
		t.Error("Public key should be PKIX encoded")
	}

	block, _ := pem.Decode([]byte(keypair.Public))
	if block == nil {
		t.Fatal("Public key is not PEM")
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		t.Errorf("Public key does not parse as PKIX: %v", err)
	}
}

func TestGeneratePemKeypairUniqueness(t *testing.T) {
	keypair1, err := generatePemKeypair(1024)
	if err != nil {
		t.Fatal(err)
	}
	keypair2, err := generatePemKeypair(1024)
	if err != nil {
		t.Fatal(err)
	}

	if keypair1.Private == keypair2.Private {
		t.Error("Generated keypairs should be different")
	}
}

func TestKeyFingerprint(t *testing.T) {
	keypair, err := generatePemKeypair(1024)
	if err != nil {
		t.Fatal(err)
	}
	rsaBlock, _ := pem.Decode([]byte(keypair.Private))
	priv, err := x509.ParsePKCS1PrivateKey(rsaBlock.Bytes)
	if err != nil {
		t.Fatal(err)
	}

	fp := KeyFingerprint(&priv.PublicKey)
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("Expected SHA256 fingerprint, got %q", fp)
	}
	if fp != KeyFingerprint(&priv.PublicKey) {
		t.Error("Fingerprint should be stable")
	}
	if KeyFingerprint(nil) != "" {
		t.Error("Expected empty fingerprint for nil key")
	}
}
