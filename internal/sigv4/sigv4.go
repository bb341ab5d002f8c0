// Package sigv4 verifies AWS Signature Version 4 on incoming requests
// against a single configured access-key pair.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	algorithm  = "AWS4-HMAC-SHA256"
	dateFormat = "20060102T150405Z"
)

var (
	ErrMalformedAuthorization = errors.New("malformed authorization header")
	ErrInvalidAccessKey       = errors.New("unknown access key")
	ErrInvalidAmzDate         = errors.New("invalid x-amz-date")
	ErrSignatureMismatch      = errors.New("signature does not match")
)

// Credentials is the single access-key pair incoming requests are verified
// against.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

type authorization struct {
	accessKey     string
	date          string
	region        string
	service       string
	signedHeaders []string
	signature     string
	payloadHash   string
	requestTime   time.Time
}

// Verify authenticates r against creds. Both header-based and presigned
// query authentication are accepted.
func Verify(r *http.Request, creds Credentials, now time.Time) error {
	auth, err := parseRequestAuth(r)
	if err != nil {
		return err
	}
	if auth.accessKey != creds.AccessKeyID {
		return ErrInvalidAccessKey
	}

	canonical := canonicalRequest(r, auth.signedHeaders, auth.payloadHash)
	stringToSign := strings.Join([]string{
		algorithm,
		auth.requestTime.UTC().Format(dateFormat),
		auth.date + "/" + auth.region + "/" + auth.service + "/aws4_request",
		hexSHA256([]byte(canonical)),
	}, "\n")

	key := signingKey(creds.SecretAccessKey, auth.date, auth.region, auth.service)
	expected := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(auth.signature))) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

func parseRequestAuth(r *http.Request) (authorization, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return parseAuthorizationHeader(r, header)
	}
	if r.URL.Query().Get("X-Amz-Algorithm") == algorithm {
		return parsePresignedQuery(r)
	}
	return authorization{}, ErrMalformedAuthorization
}

func parseAuthorizationHeader(r *http.Request, header string) (authorization, error) {
	rest, ok := strings.CutPrefix(header, algorithm+" ")
	if !ok {
		return authorization{}, ErrMalformedAuthorization
	}
	parts := map[string]string{}
	for _, field := range strings.Split(rest, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(field), "=")
		if !found {
			return authorization{}, ErrMalformedAuthorization
		}
		parts[k] = v
	}

	auth, err := parseScope(parts["Credential"])
	if err != nil {
		return authorization{}, err
	}
	auth.signedHeaders = strings.Split(parts["SignedHeaders"], ";")
	auth.signature = strings.TrimSpace(parts["Signature"])
	if len(auth.signedHeaders) == 0 || auth.signature == "" {
		return authorization{}, ErrMalformedAuthorization
	}

	auth.requestTime, err = time.Parse(dateFormat, r.Header.Get("X-Amz-Date"))
	if err != nil {
		return authorization{}, ErrInvalidAmzDate
	}

	auth.payloadHash = r.Header.Get("X-Amz-Content-Sha256")
	if auth.payloadHash == "" {
		auth.payloadHash = "UNSIGNED-PAYLOAD"
	}
	return auth, nil
}

func parsePresignedQuery(r *http.Request) (authorization, error) {
	q := r.URL.Query()
	auth, err := parseScope(q.Get("X-Amz-Credential"))
	if err != nil {
		return authorization{}, err
	}
	auth.signedHeaders = strings.Split(q.Get("X-Amz-SignedHeaders"), ";")
	auth.signature = q.Get("X-Amz-Signature")
	if len(auth.signedHeaders) == 0 || auth.signature == "" {
		return authorization{}, ErrMalformedAuthorization
	}
	auth.requestTime, err = time.Parse(dateFormat, q.Get("X-Amz-Date"))
	if err != nil {
		return authorization{}, ErrInvalidAmzDate
	}
	auth.payloadHash = "UNSIGNED-PAYLOAD"
	return auth, nil
}

func parseScope(credential string) (authorization, error) {
	parts := strings.Split(strings.TrimSpace(credential), "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return authorization{}, ErrMalformedAuthorization
	}
	for _, p := range parts {
		if p == "" {
			return authorization{}, ErrMalformedAuthorization
		}
	}
	return authorization{
		accessKey: parts[0],
		date:      parts[1],
		region:    parts[2],
		service:   parts[3],
	}, nil
}

func canonicalRequest(r *http.Request, signedHeaders []string, payloadHash string) string {
	return strings.Join([]string{
		r.Method,
		canonicalURI(r.URL),
		canonicalQuery(r.URL.Query()),
		canonicalHeaders(r, signedHeaders),
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n")
}

func canonicalURI(u *url.URL) string {
	rawPath := u.RawPath
	if rawPath == "" {
		rawPath = u.EscapedPath()
	}
	parts := strings.Split(rawPath, "/")
	for i, part := range parts {
		decoded := part
		if unescaped, err := url.PathUnescape(part); err == nil {
			decoded = unescaped
		}
		parts[i] = uriEncode(decoded, true)
	}
	path := strings.Join(parts, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if key == "X-Amz-Signature" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, v := range vals {
			pairs = append(pairs, uriEncode(key, true)+"="+uriEncode(v, true))
		}
	}
	return strings.Join(pairs, "&")
}

func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var b strings.Builder
	for _, name := range signedHeaders {
		lower := strings.ToLower(strings.TrimSpace(name))
		var value string
		if lower == "host" {
			value = r.Host
		} else {
			parts := r.Header.Values(http.CanonicalHeaderKey(lower))
			cleaned := make([]string, 0, len(parts))
			for _, p := range parts {
				cleaned = append(cleaned, strings.Join(strings.Fields(p), " "))
			}
			value = strings.Join(cleaned, ",")
		}
		b.WriteString(lower)
		b.WriteByte(':')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	return b.String()
}

func uriEncode(value string, encodeSlash bool) string {
	const hexChars = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(value) * 3)
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexChars[c>>4])
			b.WriteByte(hexChars[c&0x0F])
		}
	}
	return b.String()
}

func signingKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(date))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, value []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(value)
	return mac.Sum(nil)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign computes a header-mode SigV4 signature for r. It exists for clients
// of the proxy in tests and tools; the signed headers are host and
// x-amz-date, with an unsigned payload.
func Sign(r *http.Request, creds Credentials, region string, now time.Time) {
	amzDate := now.UTC().Format(dateFormat)
	r.Header.Set("X-Amz-Date", amzDate)
	r.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")

	signedHeaders := []string{"host", "x-amz-date"}
	canonical := canonicalRequest(r, signedHeaders, "UNSIGNED-PAYLOAD")
	scope := now.UTC().Format("20060102") + "/" + region + "/s3/aws4_request"
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hexSHA256([]byte(canonical)),
	}, "\n")
	key := signingKey(creds.SecretAccessKey, now.UTC().Format("20060102"), region, "s3")
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	r.Header.Set("Authorization", algorithm+" Credential="+creds.AccessKeyID+"/"+scope+
		", SignedHeaders="+strings.Join(signedHeaders, ";")+
		", Signature="+signature)
}
