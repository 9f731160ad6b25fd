package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "x-signature"
	RequestIDHeader = "x-request-id"
)

// parseSignature splits "ts=<ts>,v1=<hash>".
func parseSignature(header string) (ts, v1 string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	return ts, v1
}

// manifest builds the signed template. Absent values are left out.
func manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	if ts != "" {
		b.WriteString("ts:" + ts + ";")
	}
	return b.String()
}

func sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureFor produces an x-signature header value. Used by tests and local tooling.
func SignatureFor(secret, dataID, requestID, ts string) string {
	return "ts=" + ts + ",v1=" + sign(secret, manifest(dataID, requestID, ts))
}

func validSignature(secret, header, dataID, requestID string) bool {
	ts, v1 := parseSignature(header)
	if secret == "" || ts == "" || v1 == "" || dataID == "" {
		return false
	}
	expected := sign(secret, manifest(dataID, requestID, ts))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(v1)))
}
