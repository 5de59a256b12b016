package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/voxbridge/voxbridge-server/pkg/config"
)

var (
	ErrMissingToken     = errors.New("auth: missing bearer token")
	ErrUnknownKey       = errors.New("auth: token signed with unknown key")
	ErrSignatureInvalid = errors.New("auth: token signature invalid")
	ErrClaimsInvalid    = errors.New("auth: token claims invalid")
)

// Gate validates bearer tokens against the issuer's published key set.
// The key set is fetched once at construction; a key rotation on the
// issuer side requires a server restart.
type Gate struct {
	issuer string
	keySet *jose.JSONWebKeySet
	logger *logrus.Entry
}

// IssuerUrl resolves the trusted issuer from the auth config.
func IssuerUrl(cnf *config.AuthInfo) string {
	if cnf.IssuerUrl != "" {
		return cnf.IssuerUrl
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", cnf.Region, cnf.UserPoolId)
}

// NewGate fetches the issuer's JWKS and returns a ready gate.
func NewGate(cnf *config.AuthInfo, client *http.Client, logger *logrus.Logger) (*Gate, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	issuer := IssuerUrl(cnf)
	jwksUrl := issuer + "/.well-known/jwks.json"

	resp, err := client.Get(jwksUrl)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks from %s: %w", jwksUrl, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks from %s: unexpected status %d", jwksUrl, resp.StatusCode)
	}

	keySet := new(jose.JSONWebKeySet)
	if err := json.NewDecoder(resp.Body).Decode(keySet); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	if len(keySet.Keys) == 0 {
		return nil, fmt.Errorf("jwks from %s contained no keys", jwksUrl)
	}

	return &Gate{
		issuer: issuer,
		keySet: keySet,
		logger: logger.WithField("component", "auth-gate"),
	}, nil
}

// Verify checks the token's signature and claims. It is side-effect free
// and safe for concurrent use. A nil return admits the connection.
func (g *Gate) Verify(token string) error {
	if token == "" {
		return ErrMissingToken
	}

	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return errors.Join(ErrSignatureInvalid, err)
	}

	var kid string
	for _, h := range parsed.Headers {
		if h.KeyID != "" {
			kid = h.KeyID
			break
		}
	}

	// the kid header is the only unverified claim we act on, and only
	// for key lookup
	keys := g.keySet.Key(kid)
	if kid == "" || len(keys) == 0 {
		return fmt.Errorf("%w: kid=%q", ErrUnknownKey, kid)
	}

	claims := new(jwt.Claims)
	verified := false
	for _, k := range keys {
		if err = parsed.Claims(k.Key, claims); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return errors.Join(ErrSignatureInvalid, err)
	}

	err = claims.Validate(jwt.Expected{
		Issuer: g.issuer,
		Time:   time.Now(),
	})
	if err != nil {
		return errors.Join(ErrClaimsInvalid, err)
	}

	return nil
}
