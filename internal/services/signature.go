package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

const (
	SignatureField          = "signature"
	SignatureAlgorithmField = "signature_algorithm"
)

// canonicalize sorts the fields by key, url-encodes each pair and then the
// joined string, mirroring the SmartGateway response signing scheme. The
// signature fields themselves never take part.
func canonicalize(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == SignatureField || k == SignatureAlgorithmField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(fields[k]))
	}
	return url.QueryEscape(strings.Join(pairs, "&"))
}

func sign(fields map[string]string, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalize(fields)))
	return mac.Sum(nil)
}

// ComputeSignature returns the base64 HMAC-SHA256 over the canonical field set
func ComputeSignature(fields map[string]string, secret string) string {
	return base64.StdEncoding.EncodeToString(sign(fields, secret))
}

// VerifySignature recomputes the signature and compares in constant time.
// A missing or malformed signature is a failed verification, never an error.
func VerifySignature(fields map[string]string, provided, secret string) bool {
	if provided == "" || secret == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(provided)
	if err != nil {
		// Return URLs deliver the signature url-encoded
		unescaped, uerr := url.QueryUnescape(provided)
		if uerr != nil {
			return false
		}
		if got, err = base64.StdEncoding.DecodeString(unescaped); err != nil {
			return false
		}
	}
	return hmac.Equal(got, sign(fields, secret))
}
