// AngelaMos | 2026
// signer.go

package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/farmerssoko/soko-auth/internal/config"
	"github.com/farmerssoko/soko-auth/internal/core"
)

const (
	claimEmail     = "email"
	claimSessionID = "sid"
	claimType      = "typ"
	accessType     = "access"
)

// Claims are the application-level fields carried by an access token.
type Claims struct {
	Subject   string
	Email     string
	SessionID string
	ExpiresAt time.Time
}

// Signer issues and verifies ES256 access tokens and mints opaque refresh
// tokens. Every replica loading the same key pair publishes the same key id.
type Signer struct {
	private jwk.Key
	public  jwk.Key
	jwks    jwk.Set
	keyID   string
	cfg     config.JWTConfig
}

func NewSigner(cfg config.JWTConfig) (*Signer, error) {
	private, err := readPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	public, err := private.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	keyID, err := thumbprintID(public)
	if err != nil {
		return nil, err
	}

	for _, k := range []jwk.Key{private, public} {
		if err := k.Set(jwk.KeyIDKey, keyID); err != nil {
			return nil, fmt.Errorf("set key id: %w", err)
		}
		if err := k.Set(jwk.AlgorithmKey, jwa.ES256()); err != nil {
			return nil, fmt.Errorf("set algorithm: %w", err)
		}
	}
	if err := public.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("set key usage: %w", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(public); err != nil {
		return nil, fmt.Errorf("build jwks: %w", err)
	}

	return &Signer{
		private: private,
		public:  public,
		jwks:    set,
		keyID:   keyID,
		cfg:     cfg,
	}, nil
}

func readPrivateKey(path string) (jwk.Key, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	key, err := jwk.ParseKey(pemBytes, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func thumbprintID(key jwk.Key) (string, error) {
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:12]), nil
}

// GenerateKeyPair writes a fresh P-256 key pair as PEM. The private key is
// readable by the owner only.
func GenerateKeyPair(privatePath, publicPath string) error {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	private, err := jwk.Import(raw)
	if err != nil {
		return fmt.Errorf("import private key: %w", err)
	}
	public, err := private.PublicKey()
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}

	if err := writePEM(private, privatePath, 0o600); err != nil {
		return err
	}
	return writePEM(public, publicPath, 0o644)
}

func writePEM(key jwk.Key, path string, mode os.FileMode) error {
	encoded, err := jwk.Pem(key)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, encoded, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *Signer) KeyID() string {
	return s.keyID
}

func (s *Signer) CreateAccessToken(c Claims) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTokenExpire)

	token, err := jwt.NewBuilder().
		JwtID(uuid.NewString()).
		Issuer(s.cfg.Issuer).
		Audience([]string{s.cfg.Audience}).
		Subject(c.Subject).
		IssuedAt(now).
		NotBefore(now).
		Expiration(expiresAt).
		Claim(claimEmail, c.Email).
		Claim(claimSessionID, c.SessionID).
		Claim(claimType, accessType).
		Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256(), s.private))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return string(signed), expiresAt, nil
}

// VerifyAccessToken returns core.ErrTokenExpired for a well-formed token past
// its expiry and core.ErrTokenInvalid for anything else it rejects.
func (s *Signer) VerifyAccessToken(raw string) (*Claims, error) {
	const op = "verify token"

	token, err := jwt.Parse(
		[]byte(raw),
		jwt.WithKey(jwa.ES256(), s.public),
		jwt.WithValidate(true),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
	)
	if err != nil {
		if expired(err) {
			return nil, fmt.Errorf("%s: %w", op, core.ErrTokenExpired)
		}
		return nil, fmt.Errorf("%s: %w", op, core.ErrTokenInvalid)
	}

	var c Claims
	var typ string
	var ok bool

	c.Subject, ok = token.Subject()
	switch {
	case !ok || c.Subject == "":
		return nil, fmt.Errorf("%s: no subject: %w", op, core.ErrTokenInvalid)
	case token.Get(claimType, &typ) != nil || typ != accessType:
		return nil, fmt.Errorf("%s: not an access token: %w", op, core.ErrTokenInvalid)
	case token.Get(claimEmail, &c.Email) != nil:
		return nil, fmt.Errorf("%s: no email: %w", op, core.ErrTokenInvalid)
	case token.Get(claimSessionID, &c.SessionID) != nil || c.SessionID == "":
		return nil, fmt.Errorf("%s: no session id: %w", op, core.ErrTokenInvalid)
	}

	c.ExpiresAt, _ = token.Expiration()
	return &c, nil
}

// expired matches the jwx validation failure for the exp claim.
func expired(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "exp") && strings.Contains(msg, "not satisfied")
}

// JWKSHandler serves the public key set for services verifying our access
// tokens.
func (s *Signer) JWKSHandler() http.HandlerFunc {
	body, err := json.Marshal(s.jwks)

	return func(w http.ResponseWriter, _ *http.Request) {
		if err != nil {
			core.InternalServerError(w, fmt.Errorf("encode jwks: %w", err))
			return
		}
		w.Header().Set("Content-Type", "application/jwk-set+json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(body) //nolint:errcheck,gosec // response write
	}
}

type mintedRefresh struct {
	raw       string
	hash      string
	familyID  string
	expiresAt time.Time
}

// newRefreshToken mints a token in familyID, or in a new family when
// familyID is empty.
func (s *Signer) newRefreshToken(familyID string) (*mintedRefresh, error) {
	raw, err := core.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	if familyID == "" {
		familyID = uuid.NewString()
	}

	return &mintedRefresh{
		raw:       raw,
		hash:      core.HashToken(raw),
		familyID:  familyID,
		expiresAt: time.Now().Add(s.cfg.RefreshTokenExpire),
	}, nil
}
