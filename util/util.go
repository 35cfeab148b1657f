package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"encoding/pem"
	"fmt"
	gossh "golang.org/x/crypto/ssh"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// UserAgent is sent on every outbound federation request
func UserAgent() string {
	return fmt.Sprintf("%s/%s (ActivityPub)", Name, GetVersion())
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// GeneratePemKeypair creates a 4096 bit RSA key for a local actor.
// The public half is PKIX encoded, which is what remote servers expect in publicKeyPem.
func GeneratePemKeypair() (*RsaKeyPair, error) {
	return generatePemKeypair(4096)
}

func generatePemKeypair(bitSize int) (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubBytes,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// KeyFingerprint returns the SHA256 fingerprint of an RSA public key in
// OpenSSH notation, used to identify keys in logs without printing the PEM
func KeyFingerprint(pub *rsa.PublicKey) string {
	if pub == nil {
		return ""
	}
	sshPub, err := gossh.NewPublicKey(pub)
	if err != nil {
		return ""
	}
	return gossh.FingerprintSHA256(sshPub)
}
