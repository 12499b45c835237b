package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/data/repos"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
)

const maxSlugLen = 24

var slugStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "app": true, "for": true, "i": true, "me": true,
	"my": true, "of": true, "the": true, "to": true, "with": true, "want": true, "make": true,
	"build": true, "create": true, "simple": true, "please": true,
}

// Slug derives a DNS-safe label from the request text.
func Slug(request string) string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			w := cur.String()
			if !slugStopwords[w] {
				words = append(words, w)
			}
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(request) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
			continue
		}
		flush()
	}
	flush()

	var b strings.Builder
	for _, w := range words {
		if b.Len() > 0 && b.Len()+1+len(w) > maxSlugLen {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('-')
		}
		if len(w) > maxSlugLen {
			w = w[:maxSlugLen]
		}
		b.WriteString(w)
	}
	if b.Len() == 0 {
		return "app"
	}
	return b.String()
}

// Candidate returns the subdomain for a session with n hex digits of its
// identity hash. The same session always yields the same names.
func Candidate(request string, sessionID uuid.UUID, n int) string {
	sum := sha256.Sum256([]byte(sessionID.String()))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return Slug(request) + "-" + h[:n]
}

// AllocateSubdomain returns the session's subdomain, claiming one on first
// use. A collision with another session extends the hash suffix.
func AllocateSubdomain(ctx context.Context, sessions repos.SessionRepo, s *types.BuildSession) (string, error) {
	if s.Subdomain != "" {
		return s.Subdomain, nil
	}
	for n := 6; n <= 16; n += 2 {
		sub := Candidate(s.RequestText, s.ID, n)
		err := sessions.ClaimSubdomain(dbctx.Context{Ctx: ctx}, s.ID, sub)
		if errors.Is(err, repos.ErrSubdomainTaken) {
			continue
		}
		if err != nil {
			return "", err
		}
		fresh, err := sessions.GetByID(dbctx.Context{Ctx: ctx}, s.ID)
		if err != nil {
			return "", err
		}
		if fresh == nil || fresh.Subdomain == "" {
			return "", fmt.Errorf("subdomain claim for session %s did not stick", s.ID)
		}
		s.Subdomain = fresh.Subdomain
		return s.Subdomain, nil
	}
	return "", fmt.Errorf("no free subdomain for session %s", s.ID)
}
