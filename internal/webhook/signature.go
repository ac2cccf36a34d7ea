package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body for providers
// that are fronted by a signing relay.
const SignatureHeader = "X-Webhook-Signature"

const svixTolerance = 5 * time.Minute

func signatureError(provider, reason string) error {
	return fmt.Errorf("%w: invalid %s webhook signature: %s", domain.ErrAuthentication, provider, reason)
}

// SignHex returns the hex HMAC-SHA256 of body under secret.
func SignHex(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHexHMAC(provider string, body []byte, headers http.Header, secret string) error {
	got := strings.TrimSpace(headers.Get(SignatureHeader))
	got = strings.TrimPrefix(got, "sha256=")
	if got == "" {
		return signatureError(provider, "missing "+SignatureHeader+" header")
	}
	want := SignHex(body, secret)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return signatureError(provider, "mismatch")
	}
	return nil
}

// SignSvix returns a "v1,<base64>" svix signature for the given message.
func SignSvix(id string, timestamp time.Time, body []byte, secret string) (string, error) {
	key, err := svixKey(secret)
	if err != nil {
		return "", err
	}
	return "v1," + base64.StdEncoding.EncodeToString(svixMAC(key, id, timestamp.Unix(), body)), nil
}

func svixKey(secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(strings.TrimSpace(secret), "whsec_"))
	if err != nil {
		return nil, fmt.Errorf("invalid svix secret: %w", err)
	}
	return key, nil
}

func svixMAC(key []byte, id string, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + strconv.FormatInt(timestamp, 10) + "."))
	mac.Write(body)
	return mac.Sum(nil)
}

func verifySvix(provider string, body []byte, headers http.Header, secret string, now time.Time) error {
	id := headers.Get("svix-id")
	rawTimestamp := headers.Get("svix-timestamp")
	signatures := headers.Get("svix-signature")
	if id == "" || rawTimestamp == "" || signatures == "" {
		return signatureError(provider, "missing svix headers")
	}

	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return signatureError(provider, "bad svix-timestamp")
	}
	sent := time.Unix(timestamp, 0)
	if sent.Before(now.Add(-svixTolerance)) || sent.After(now.Add(svixTolerance)) {
		return signatureError(provider, "timestamp outside tolerance")
	}

	key, err := svixKey(secret)
	if err != nil {
		return signatureError(provider, err.Error())
	}
	want := svixMAC(key, id, timestamp, body)

	for _, candidate := range strings.Fields(signatures) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, want) {
			return nil
		}
	}
	return signatureError(provider, "mismatch")
}
