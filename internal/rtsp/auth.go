package rtsp

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"
)

// Credentials authenticate a client against a camera.
type Credentials struct {
	Username string
	Password string
}

// challenge is a WWW-Authenticate header the client has chosen to answer.
type challenge struct {
	headers.Authenticate
}

// pickChallenge parses every offered WWW-Authenticate value and keeps the
// strongest one. Digest is preferred over Basic; unparseable values are
// skipped.
func pickChallenge(values []string) (*challenge, error) {
	var best *challenge
	var firstErr error
	for _, v := range values {
		var a headers.Authenticate
		if err := a.Unmarshal(base.HeaderValue{v}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if best == nil || (best.Method == headers.AuthMethodBasic && a.Method == headers.AuthMethodDigest) {
			best = &challenge{Authenticate: a}
		}
	}
	if best == nil {
		if firstErr == nil {
			firstErr = errors.New("no WWW-Authenticate header")
		}
		return nil, firstErr
	}
	return best, nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sha256hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// authorization builds the Authorization header for method on path. The
// digest URI is the request path; qop and cnonce are not used.
func (ch *challenge) authorization(creds Credentials, method Method, path string) string {
	h := headers.Authorization{Method: ch.Method}
	if ch.Method == headers.AuthMethodBasic {
		h.BasicUser = creds.Username
		h.BasicPass = creds.Password
		return h.Marshal()[0]
	}

	algo := headers.AuthAlgorithmMD5
	if ch.Algorithm != nil {
		algo = *ch.Algorithm
	}
	hash := md5hex
	if algo == headers.AuthAlgorithmSHA256 {
		hash = sha256hex
	}

	ha1 := hash(creds.Username + ":" + ch.Realm + ":" + creds.Password)
	ha2 := hash(string(method) + ":" + path)

	h.Username = creds.Username
	h.Realm = ch.Realm
	h.Nonce = ch.Nonce
	h.URI = path
	h.Opaque = ch.Opaque
	h.Algorithm = &algo
	h.Response = hash(ha1 + ":" + ch.Nonce + ":" + ha2)
	return h.Marshal()[0]
}
