package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type scriptedTimeProvider struct {
	serverMS []int64
	errs     []error
	calls    int
}

func (p *scriptedTimeProvider) GetServerTime(ctx context.Context) (int64, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return 0, p.errs[i]
	}
	if i >= len(p.serverMS) {
		i = len(p.serverMS) - 1
	}
	return p.serverMS[i], nil
}

func testClock(provider ServerTimeProvider, startMS int64) (*ClockSync, *int64) {
	cfg := ClockConfig{
		MaxErrorMS:      1000,
		RefreshEvery:    60 * time.Second,
		DegradedRetry:   5 * time.Second,
		ForceCooldownMS: 30_000,
		DegradedTTLMS:   10_000,
	}
	c := NewClockSync(provider, cfg, zerolog.Nop())
	localMS := startMS
	c.now = func() time.Time { return time.UnixMilli(localMS) }
	return c, &localMS
}

func TestClockStartsDegradedAndSyncs(t *testing.T) {
	provider := &scriptedTimeProvider{serverMS: []int64{1_000_500}}
	c, local := testClock(provider, 1_000_000)

	if c.State() != ClockDegraded {
		t.Fatalf("initial state = %s, want degraded", c.State())
	}
	if got := c.NowMS(context.Background()); got != 1_000_500 {
		t.Errorf("NowMS after first refresh = %d, want 1000500", got)
	}
	if c.State() != ClockSynced {
		t.Errorf("state after refresh = %s, want synced", c.State())
	}
	if c.SkewMS() != 500 {
		t.Errorf("skew = %d, want 500", c.SkewMS())
	}

	// Within the refresh interval local time moves and the skew is applied
	// without another provider call.
	*local = 1_030_000
	if got := c.NowMS(context.Background()); got != 1_030_500 {
		t.Errorf("NowMS mid-interval = %d, want 1030500", got)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
}

func TestClockRefreshFailureDegradesAndKeepsEstimate(t *testing.T) {
	provider := &scriptedTimeProvider{
		serverMS: []int64{2_000_300, 0},
		errs:     []error{nil, errors.New("timeout")},
	}
	c, local := testClock(provider, 2_000_000)

	if !c.Refresh(context.Background(), true) {
		t.Fatal("first forced refresh should sync")
	}

	// Past the interval the failing refresh degrades the clock but the
	// last skew estimate keeps correcting reads.
	*local = 2_061_000
	got := c.NowMS(context.Background())
	if c.State() != ClockDegraded {
		t.Errorf("state after failed refresh = %s, want degraded", c.State())
	}
	if got != 2_061_300 {
		t.Errorf("NowMS degraded = %d, want 2061300", got)
	}
}

func TestClockSkewBeyondLimitDegradesUntilTTL(t *testing.T) {
	provider := &scriptedTimeProvider{serverMS: []int64{3_005_000, 3_008_400, 3_020_400}}
	c, local := testClock(provider, 3_000_000)

	// Skew of 5000ms exceeds the 1000ms limit.
	if c.Refresh(context.Background(), true) {
		t.Fatal("refresh with excessive skew should not report synced")
	}
	if c.State() != ClockDegraded {
		t.Fatalf("state = %s, want degraded", c.State())
	}

	// A good reading inside the degraded TTL holds the degraded state.
	*local = 3_008_000
	c.nextRefreshAt = time.UnixMilli(*local)
	if c.Refresh(context.Background(), false) {
		t.Error("refresh inside degraded TTL should stay degraded")
	}
	if c.SkewMS() != 400 {
		t.Errorf("skew estimate = %d, want 400", c.SkewMS())
	}

	// After the TTL a good reading restores sync.
	*local = 3_020_000
	c.nextRefreshAt = time.UnixMilli(*local)
	if !c.Refresh(context.Background(), false) {
		t.Error("refresh after TTL with small skew should sync")
	}
	if c.State() != ClockSynced {
		t.Errorf("state = %s, want synced", c.State())
	}
}

func TestClockForceRefreshCooldown(t *testing.T) {
	provider := &scriptedTimeProvider{serverMS: []int64{4_000_100}}
	c, local := testClock(provider, 4_000_000)

	c.Refresh(context.Background(), true)
	*local = 4_005_000
	c.Refresh(context.Background(), true)
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (second force inside cooldown)", provider.calls)
	}

	*local = 4_040_000
	c.Refresh(context.Background(), true)
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2 after cooldown elapsed", provider.calls)
	}
}

func TestClockNowBeforeAnySyncUsesLocal(t *testing.T) {
	provider := &scriptedTimeProvider{errs: []error{errors.New("down")}, serverMS: []int64{0}}
	c, _ := testClock(provider, 5_000_000)

	if got := c.NowMS(context.Background()); got != 5_000_000 {
		t.Errorf("NowMS before any sync = %d, want local 5000000", got)
	}
	if c.LastSyncAgeMS() != -1 {
		t.Errorf("LastSyncAgeMS before sync = %d, want -1", c.LastSyncAgeMS())
	}
}
