package checkout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/checkoutguard/internal/geo"
	"github.com/mbd888/checkoutguard/internal/pagination"
	"github.com/mbd888/checkoutguard/internal/risk"
)

func sampleRecord(id, session string, created time.Time) *ValidationRecord {
	score := 30
	return &ValidationRecord{
		ID:               id,
		SessionID:        session,
		IPAddress:        "5.5.5.5",
		UserAgent:        "Mozilla/5.0",
		CartValue:        int64p(2500),
		ValidationType:   TypeIPCheck,
		ValidationResult: ResultPassed,
		RiskScore:        &score,
		Recommendation:   risk.RecommendationChallenge,
		RiskFactors:      []string{risk.FactorVPN},
		LocationData:     geo.Offline("5.5.5.5"),
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

func TestMemoryStore_CreateGetIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := sampleRecord("val_1", "s1", time.Now())

	require.NoError(t, store.Create(ctx, rec))
	assert.Error(t, store.Create(ctx, rec), "duplicate id")

	rec.RiskFactors[0] = "mutated"
	rec.LocationData.Country = "mutated"

	got, err := store.Get(ctx, "val_1")
	require.NoError(t, err)
	assert.Equal(t, risk.FactorVPN, got.RiskFactors[0])
	assert.Equal(t, "Netherlands", got.LocationData.Country)

	got.CartValue = int64p(1)
	again, err := store.Get(ctx, "val_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), *again.CartValue)

	_, err = store.Get(ctx, "val_missing")
	assert.ErrorIs(t, err, ErrValidationNotFound)
}

func TestMemoryStore_EmptyRiskFactorsStayArray(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := sampleRecord("val_clean", "s1", time.Now())
	rec.RiskFactors = []string{}
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, "val_clean")
	require.NoError(t, err)
	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"riskFactors":[]`)

	page, err := store.ListRecent(ctx, time.Time{}, nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	raw, err = json.Marshal(page[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"riskFactors":null`)
}

func TestMemoryStore_UpdateMergesFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := created.Add(time.Minute)
	store.now = func() time.Time { return updated }

	require.NoError(t, store.Create(ctx, sampleRecord("val_1", "s1", created)))

	proceed := true
	got, err := store.Update(ctx, "val_1", Patch{ProceedToCheckout: &proceed})
	require.NoError(t, err)

	assert.True(t, got.ProceedToCheckout)
	assert.Equal(t, TypeIPCheck, got.ValidationType)
	assert.Equal(t, ResultPassed, got.ValidationResult)
	assert.Equal(t, 30, *got.RiskScore)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, updated, got.UpdatedAt)

	_, err = store.Update(ctx, "val_missing", Patch{ProceedToCheckout: &proceed})
	assert.ErrorIs(t, err, ErrValidationNotFound)
}

func TestMemoryStore_UpdateHonorsContext(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), sampleRecord("val_1", "s1", time.Now())))

	unlock, err := store.locks.Lock(context.Background(), "val_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	proceed := true
	_, err = store.Update(ctx, "val_1", Patch{ProceedToCheckout: &proceed})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStore_LatestBySession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, sampleRecord("val_b", "s1", base.Add(time.Hour))))
	require.NoError(t, store.Create(ctx, sampleRecord("val_a", "s1", base)))
	require.NoError(t, store.Create(ctx, sampleRecord("val_c", "s2", base.Add(2*time.Hour))))

	got, err := store.LatestBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "val_b", got.ID)

	_, err = store.LatestBySession(ctx, "nope")
	assert.ErrorIs(t, err, ErrValidationNotFound)
}

func TestMemoryStore_ListRecentAndCounts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	old := sampleRecord("val_old", "s", base.Add(-40*24*time.Hour))
	old.CompletedOrder = true
	require.NoError(t, store.Create(ctx, old))

	bot := sampleRecord("val_bot", "s", base)
	bot.IsBot = true
	bot.ValidationResult = ResultFailed
	require.NoError(t, store.Create(ctx, bot))

	ok := sampleRecord("val_ok", "s", base.Add(time.Minute))
	ok.ProceedToCheckout = true
	require.NoError(t, store.Create(ctx, ok))

	recent, err := store.ListRecent(ctx, base.Add(-time.Hour), nil, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "val_ok", recent[0].ID)
	assert.Equal(t, "val_bot", recent[1].ID)

	limited, err := store.ListRecent(ctx, time.Time{}, nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	after, err := store.ListRecent(ctx, time.Time{}, &pagination.Cursor{CreatedAt: ok.CreatedAt, ID: ok.ID}, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "val_bot", after[0].ID)
	assert.Equal(t, "val_old", after[1].ID)

	all, err := store.Counts(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 3, Passed: 2, Failed: 1, BotCount: 1, CompletedOrders: 1, Proceeded: 1}, *all)

	window, err := store.Counts(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 2, Passed: 1, Failed: 1, BotCount: 1, Proceeded: 1}, *window)
}

func TestMemoryStore_Events(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.AppendEvent(ctx, &Event{ID: "evt_1", ValidationID: "val_1", Kind: EventIPCheck})
	assert.ErrorIs(t, err, ErrValidationNotFound)

	require.NoError(t, store.Create(ctx, sampleRecord("val_1", "s1", time.Now())))
	require.NoError(t, store.AppendEvent(ctx, &Event{ID: "evt_1", ValidationID: "val_1", Kind: EventIPCheck}))
	require.NoError(t, store.AppendEvent(ctx, &Event{ID: "evt_2", ValidationID: "val_1", Kind: EventProceeded}))

	events, err := store.ListEvents(ctx, "val_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt_1", events[0].ID)
	assert.Equal(t, "evt_2", events[1].ID)

	none, err := store.ListEvents(ctx, "val_other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStateDerivation(t *testing.T) {
	rec := sampleRecord("val_1", "s", time.Now())
	assert.Equal(t, StateChallengePending, rec.State())

	rec.Recommendation = risk.RecommendationAllow
	assert.Equal(t, StateInitiated, rec.State())

	rec.CaptchaData = &CaptchaData{Type: "mock", Verified: true}
	assert.Equal(t, StateChallengeResolved, rec.State())

	rec.ProceedToCheckout = true
	assert.Equal(t, StateProceeded, rec.State())
}
