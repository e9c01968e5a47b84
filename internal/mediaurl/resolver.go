package mediaurl

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/FeedForge/reelcore/internal/media"
)

// Quality values used by the degradation transforms.
const (
	qualityReduced = "720"
	qualityMinimal = "360"
)

// Reduced returns the reduced-quality variant of rawURL.
func Reduced(rawURL string) string {
	return withQuality(rawURL, qualityReduced)
}

// Minimal returns the minimal-quality variant of rawURL.
func Minimal(rawURL string) string {
	return withQuality(rawURL, qualityMinimal)
}

// Canonical strips quality and access-token parameters, yielding the
// untransformed URL.
func Canonical(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Del("quality")
	q.Del("token")
	u.RawQuery = q.Encode()
	return u.String()
}

// FallbackChain returns the deterministic sequence of URL variants to
// try after an authorization or bad-request failure: reduced quality,
// then the canonical URL, then minimal quality.
func FallbackChain(rawURL string) []string {
	return []string{Reduced(rawURL), Canonical(rawURL), Minimal(rawURL)}
}

func withQuality(rawURL, quality string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("quality", quality)
	u.RawQuery = q.Encode()
	return u.String()
}

// Resolver orders an item's candidate URLs by playability preference
// and optionally signs them with a short-lived playback token.
type Resolver struct {
	signingKey []byte
	tokenTTL   time.Duration
}

// NewResolver creates a resolver. A nil or empty signingKey disables
// token signing.
func NewResolver(signingKey []byte, tokenTTL time.Duration) *Resolver {
	if tokenTTL <= 0 {
		tokenTTL = 10 * time.Minute
	}
	return &Resolver{signingKey: signingKey, tokenTTL: tokenTTL}
}

// urlRank orders candidates: adaptive manifests first, then direct
// files, then anything else.
func urlRank(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 3
	}
	path := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(path, ".m3u8"), strings.HasSuffix(path, ".mpd"):
		return 0
	case strings.HasSuffix(path, ".mp4"), strings.HasSuffix(path, ".m4v"):
		return 1
	default:
		return 2
	}
}

// Playable returns the item's candidate URLs in preference order,
// signed when a key is configured.
func (r *Resolver) Playable(item media.Item) []string {
	candidates := item.CandidateURLs()
	sort.SliceStable(candidates, func(i, j int) bool {
		return urlRank(candidates[i]) < urlRank(candidates[j])
	})
	if len(r.signingKey) == 0 {
		return candidates
	}
	signed := make([]string, 0, len(candidates))
	for _, c := range candidates {
		s, err := r.Sign(item.ID, c)
		if err != nil {
			signed = append(signed, c)
			continue
		}
		signed = append(signed, s)
	}
	return signed
}

// Sign appends a playback token to rawURL. The token is an HS256 JWT
// whose subject is the media id, expiring after the configured TTL.
func (r *Resolver) Sign(mediaID, rawURL string) (string, error) {
	if len(r.signingKey) == 0 {
		return rawURL, nil
	}
	claims := jwt.RegisteredClaims{
		Subject:   mediaID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(r.tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign playback url: %w", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("sign playback url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify checks a playback token and returns the media id it was
// minted for.
func (r *Resolver) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("verify playback token: %w", err)
	}
	return claims.Subject, nil
}
