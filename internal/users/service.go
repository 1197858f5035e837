package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolvePrincipal returns the canonical principal for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen
// before and refreshes email/display name when they changed.
func (s *Service) ResolvePrincipal(claims auth.SessionClaims) (Principal, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Principal{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	email := normalize(claims.UserEmail)
	display := normalize(claims.UserDisplayName)
	if cached, ok := s.cache.Load(cacheKey); ok {
		principal, ok := cached.(Principal)
		if ok && principal.Email == email && principal.DisplayName == display {
			return principal, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       email,
			DisplayName: display,
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Principal{}, err
		}
	case err != nil:
		return Principal{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		_ = s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	principal := Principal{
		UserID:      identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	}
	s.cache.Store(cacheKey, principal)
	return principal, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
