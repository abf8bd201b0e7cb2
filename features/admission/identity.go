package admission

import (
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/scrypt"
)

// IdentityKind classifies the credential a request was attributed to.
type IdentityKind string

const (
	// IdentityAccessToken is a bearer access token, used as is.
	IdentityAccessToken IdentityKind = "access_token"
	// IdentityAPIKey is an API key, replaced by its scrypt digest.
	IdentityAPIKey IdentityKind = "api_key"
	// IdentityAddress is the client network address.
	IdentityAddress IdentityKind = "address"
)

const (
	// APIKeyHeader carries API keys.
	APIKeyHeader = "x-api-key"
	// APIKeyPrefix marks bearer credentials that are API keys.
	APIKeyPrefix = "sk-"
)

// scrypt parameters of the API key digest.
const (
	scryptN      = 1 << 14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 64
)

// Digests are memoized since scrypt is deliberately slow.
const (
	digestTTL     = time.Hour
	digestCleanup = 10 * time.Minute
)

type identifier struct {
	salt    []byte
	digests *gocache.Cache
}

func newIdentifier(salt string) *identifier {
	return &identifier{
		salt:    []byte(salt),
		digests: gocache.New(digestTTL, digestCleanup),
	}
}

// Identify returns the counter key of r and the kind of credential it was
// derived from.
func (g *Gate) Identify(r *http.Request) (string, IdentityKind) {
	return g.ids.identify(r)
}

func (id *identifier) identify(r *http.Request) (string, IdentityKind) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return id.digest(key), IdentityAPIKey
	}
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
		token = strings.TrimSpace(token)
		switch {
		case token == "":
		case strings.HasPrefix(token, APIKeyPrefix):
			return id.digest(token), IdentityAPIKey
		default:
			return token, IdentityAccessToken
		}
	}
	return clientAddress(r), IdentityAddress
}

func (id *identifier) digest(key string) string {
	if v, ok := id.digests.Get(key); ok {
		return v.(string)
	}
	sum, err := scrypt.Key([]byte(key), id.salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		// Only reachable with invalid parameters, which are constant.
		panic(err)
	}
	d := hex.EncodeToString(sum)
	id.digests.Set(key, d, gocache.DefaultExpiration)
	return d
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
