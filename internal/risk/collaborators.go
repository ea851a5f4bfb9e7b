package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/verigate/internal/behavior"
	"github.com/mbd888/verigate/internal/session"
)

// SessionReader is the read-only view of the session registry.
type SessionReader interface {
	Lookup(sessionID string) (session.Record, session.Status)
}

// ProfileReader supplies behavior profiles.
type ProfileReader interface {
	Profile(ctx context.Context, identityID string) (*behavior.Profile, bool, error)
}

// Locator estimates the distance between two network addresses. ok is
// false when either address cannot be placed.
type Locator interface {
	Distance(ctx context.Context, from, to string) (km float64, ok bool, err error)
}

// TimezoneResolver returns the zone an identity's local time is measured in.
// A nil location with a nil error means the zone is unknown.
type TimezoneResolver interface {
	Location(ctx context.Context, identityID string) (*time.Location, error)
}

// NoopLocator never places an address, so any address change scores the
// flat fallback.
type NoopLocator struct{}

func (NoopLocator) Distance(context.Context, string, string) (float64, bool, error) {
	return 0, false, nil
}

// FixedZone resolves every identity to one zone.
type FixedZone struct {
	loc *time.Location
}

// NewFixedZone loads the named IANA zone.
func NewFixedZone(name string) (*FixedZone, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return &FixedZone{loc: loc}, nil
}

func (z *FixedZone) Location(context.Context, string) (*time.Location, error) {
	return z.loc, nil
}
