// Package trust exposes the read-side of the external trust engine: a
// continuous score in [0, 1000] and the discrete tier band derived from it.
// The score itself is owned elsewhere; this package only reads snapshots
// and maps scores onto tiers.
package trust

import (
	"context"
	"errors"
	"time"

	"github.com/vorion-labs/cognigate/pkg/resiliency"
)

// Tier is a discrete trust band, T0 (lowest) through T5.
type Tier int

const (
	TierT0 Tier = iota
	TierT1
	TierT2
	TierT3
	TierT4
	TierT5
)

// MaxScore is the upper bound of the trust score range.
const MaxScore = 1000

// tierFloors holds the inclusive lower score bound of each tier.
// Six equal bands over 0..1000; T5 starts at 833.
var tierFloors = [...]int{0, 167, 334, 501, 667, 833}

// TierForScore maps a score onto its band. Out-of-range scores clamp.
func TierForScore(score int) Tier {
	if score < 0 {
		score = 0
	}
	if score > MaxScore {
		score = MaxScore
	}
	for t := len(tierFloors) - 1; t >= 0; t-- {
		if score >= tierFloors[t] {
			return Tier(t)
		}
	}
	return TierT0
}

// MeetsMinimum reports whether t satisfies the given floor tier.
func (t Tier) MeetsMinimum(minimum Tier) bool { return t >= minimum }

func (t Tier) String() string {
	switch t {
	case TierT0:
		return "T0"
	case TierT1:
		return "T1"
	case TierT2:
		return "T2"
	case TierT3:
		return "T3"
	case TierT4:
		return "T4"
	case TierT5:
		return "T5"
	default:
		return "T?"
	}
}

// Snapshot is a point-in-time read of an entity's trust standing.
type Snapshot struct {
	EntityID   string    `json:"entity_id"`
	Score      int       `json:"score"`
	Tier       Tier      `json:"tier"`
	CapturedAt time.Time `json:"captured_at"`
}

// ErrUnavailable indicates the trust store could not produce a snapshot.
// Callers on the decision path must fail secure when they see it.
var ErrUnavailable = errors.New("trust: store unavailable")

// Provider supplies trust snapshots.
type Provider interface {
	Snapshot(ctx context.Context, entityID string) (Snapshot, error)
}

// StaticProvider serves fixed scores, for tests and pinned configurations.
type StaticProvider struct {
	Scores map[string]int
}

func (p *StaticProvider) Snapshot(_ context.Context, entityID string) (Snapshot, error) {
	score, ok := p.Scores[entityID]
	if !ok {
		return Snapshot{}, ErrUnavailable
	}
	return Snapshot{
		EntityID:   entityID,
		Score:      score,
		Tier:       TierForScore(score),
		CapturedAt: time.Now().UTC(),
	}, nil
}

// GuardedProvider wraps a Provider with a circuit breaker and a bounded
// timeout. The trust lookup is the only suspension point on the decision
// path; when the lookup fails or the breaker is open the caller receives
// ErrUnavailable and is expected to deny.
type GuardedProvider struct {
	inner   Provider
	breaker *resiliency.Breaker
	timeout time.Duration
}

// NewGuardedProvider builds the guarded wrapper. A zero timeout defaults
// to two seconds.
func NewGuardedProvider(inner Provider, breaker *resiliency.Breaker, timeout time.Duration) *GuardedProvider {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GuardedProvider{inner: inner, breaker: breaker, timeout: timeout}
}

func (p *GuardedProvider) Snapshot(ctx context.Context, entityID string) (Snapshot, error) {
	var snap Snapshot
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			s, err := p.inner.Snapshot(ctx, entityID)
			if err == nil {
				snap = s
			}
			done <- err
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return Snapshot{}, errors.Join(ErrUnavailable, err)
	}
	return snap, nil
}
