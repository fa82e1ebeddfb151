package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/smartgazer/internal/api/smartcar"
	"github.com/langchou/smartgazer/internal/models"
	"github.com/langchou/smartgazer/internal/state"
)

func (f *fixture) appendEvent(t *testing.T, vehicleID string, typ models.EventType, at time.Time, data string) {
	t.Helper()
	require.NoError(t, f.store.Append(context.Background(), &models.Event{
		VehicleID:  vehicleID,
		Type:       typ,
		RecordedAt: at,
		Data:       json.RawMessage(data),
		RawData:    json.RawMessage(`{"raw": true}`),
	}))
}

func TestResolver_Latest(t *testing.T) {
	ctx := context.Background()

	t.Run("cache hit", func(t *testing.T) {
		f := newFixture(t)
		f.seedCredential(t, "V1", "u1", time.Hour)
		f.appendEvent(t, "V1", models.EventOdometer, f.now.Add(-time.Hour), `{"value": 100}`)
		f.appendEvent(t, "V1", models.EventOdometer, f.now.Add(-time.Minute), `{"value": 120}`)

		res, err := f.resolver.Latest(ctx, "u1", "V1", models.EventOdometer)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCache, res.Outcome)
		odo, ok := ExtractOdometer(res.Event.Data)
		require.True(t, ok)
		assert.Equal(t, 120.0, odo)
		assert.Zero(t, f.upstream.odometerCalls)
		assert.Equal(t, []string{"odometer:cache"}, f.metrics.outcomes)
	})

	t.Run("live fallback for location", func(t *testing.T) {
		f := newFixture(t)
		f.seedCredential(t, "V1", "u1", time.Hour)
		f.upstream.location = &smartcar.Location{Latitude: 37.1, Longitude: -122.2}

		res, err := f.resolver.Latest(ctx, "u1", "V1", models.EventLocation)
		require.NoError(t, err)
		assert.Equal(t, OutcomeLive, res.Outcome)
		assert.Equal(t, "access-old", f.upstream.lastToken)
		assert.Equal(t, f.now, res.Event.RecordedAt)

		loc, ok := ExtractLocation(res.Event.Data)
		require.True(t, ok)
		assert.Equal(t, 37.1, loc.Latitude)

		// 实时读取的结果不入库
		_, err = f.store.Latest(ctx, "V1", models.EventLocation)
		assert.Error(t, err)
	})

	t.Run("live fallback for odometer", func(t *testing.T) {
		f := newFixture(t)
		f.seedCredential(t, "V1", "u1", time.Hour)
		f.upstream.odometer = &smartcar.Odometer{Distance: 4321.5}

		res, err := f.resolver.Latest(ctx, "", "V1", models.EventOdometer)
		require.NoError(t, err)
		assert.Equal(t, OutcomeLive, res.Outcome)
		assert.JSONEq(t, `{"value": 4321.5}`, string(res.Event.Data))
	})

	t.Run("no live read for battery signals", func(t *testing.T) {
		f := newFixture(t)
		f.seedCredential(t, "V1", "u1", time.Hour)

		res, err := f.resolver.Latest(ctx, "u1", "V1", models.EventStateOfCharge)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotFound, res.Outcome)
		assert.False(t, res.Found())
	})

	t.Run("not found without credential", func(t *testing.T) {
		f := newFixture(t)
		f.appendEvent(t, "V1", models.EventStateOfCharge, f.now, `{"value": 50}`)

		res, err := f.resolver.Latest(ctx, "", "V1", models.EventLocation)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotFound, res.Outcome)
		assert.Zero(t, f.upstream.locationCalls)
	})

	t.Run("rate limited", func(t *testing.T) {
		f := newFixture(t)
		f.seedCredential(t, "V1", "u1", time.Hour)
		f.upstream.locationErr = smartcar.ErrRateLimited

		_, err := f.resolver.Latest(ctx, "u1", "V1", models.EventLocation)
		assert.ErrorIs(t, err, smartcar.ErrRateLimited)
		assert.Equal(t, []string{"location:error"}, f.metrics.outcomes)
	})

	t.Run("upstream unauthorized requires re-auth", func(t *testing.T) {
		f := newFixture(t)
		f.seedCredential(t, "V1", "u1", time.Hour)
		f.upstream.odometerErr = smartcar.ErrUnauthorized

		_, err := f.resolver.Latest(ctx, "u1", "V1", models.EventOdometer)
		assert.ErrorIs(t, err, ErrNoValidToken)

		v, err := f.store.GetVehicle(ctx, "V1")
		require.NoError(t, err)
		assert.True(t, v.Credential.Invalid)
		m, _ := f.machines.Get("V1")
		assert.Equal(t, state.StateInvalid, m.CurrentState())

		// 作废后不再请求上游
		_, err = f.resolver.Latest(ctx, "u1", "V1", models.EventOdometer)
		assert.ErrorIs(t, err, ErrNoValidToken)
		assert.Equal(t, 1, f.upstream.odometerCalls)
	})

	t.Run("failed refresh requires re-auth", func(t *testing.T) {
		f := newFixture(t)
		f.seedCredential(t, "V1", "u1", time.Minute)
		f.upstream.refreshErr = errors.New("invalid_grant")

		_, err := f.resolver.Latest(ctx, "u1", "V1", models.EventLocation)
		assert.ErrorIs(t, err, ErrNoValidToken)
		assert.Zero(t, f.upstream.locationCalls)
	})

	t.Run("other upstream errors are not found", func(t *testing.T) {
		f := newFixture(t)
		f.seedCredential(t, "V1", "u1", time.Hour)
		f.upstream.locationErr = &smartcar.StatusError{StatusCode: 500, Body: "boom"}

		res, err := f.resolver.Latest(ctx, "u1", "V1", models.EventLocation)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotFound, res.Outcome)
	})

	t.Run("vehicle owned by someone else", func(t *testing.T) {
		f := newFixture(t)
		f.seedCredential(t, "V1", "u1", time.Hour)
		f.appendEvent(t, "V1", models.EventOdometer, f.now, `{"value": 1}`)

		_, err := f.resolver.Latest(ctx, "u2", "V1", models.EventOdometer)
		assert.ErrorIs(t, err, ErrVehicleNotFound)

		_, err = f.resolver.Latest(ctx, "u1", "missing", models.EventOdometer)
		assert.ErrorIs(t, err, ErrVehicleNotFound)
	})
}

func TestResolver_Aggregates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCredential(t, "V1", "u1", time.Hour)
	f.appendEvent(t, "V1", models.EventStateOfCharge, f.now.Add(-2*time.Hour), `{"value": 60}`)
	f.appendEvent(t, "V1", models.EventStateOfCharge, f.now.Add(-time.Hour), `{"value": 70}`)
	f.appendEvent(t, "V1", models.EventNominalCapacity, f.now.Add(-time.Hour), `{"capacity": 75}`)

	t.Run("latest signals", func(t *testing.T) {
		latest, err := f.resolver.LatestSignals(ctx, "u1", "V1")
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.JSONEq(t, `{"value": 70}`, string(latest[models.EventStateOfCharge].Data))
		assert.NotContains(t, latest, models.EventLocation)
		assert.Zero(t, f.upstream.locationCalls)
	})

	t.Run("all grouped newest first", func(t *testing.T) {
		grouped, total, err := f.resolver.All(ctx, "u1", "V1")
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		soc := grouped[models.EventStateOfCharge]
		require.Len(t, soc, 2)
		assert.JSONEq(t, `{"value": 70}`, string(soc[0].Data))
		assert.Nil(t, soc[0].RawData)
	})

	t.Run("battery", func(t *testing.T) {
		b, err := f.resolver.Battery(ctx, "u1", "V1")
		require.NoError(t, err)
		require.NotNil(t, b)
		require.NotNil(t, b.StateOfCharge)
		require.NotNil(t, b.NominalCapacity)

		empty := newFixture(t)
		empty.seedCredential(t, "V2", "u1", time.Hour)
		b, err = empty.resolver.Battery(ctx, "u1", "V2")
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	t.Run("ownership enforced", func(t *testing.T) {
		_, _, err := f.resolver.All(ctx, "u2", "V1")
		assert.ErrorIs(t, err, ErrVehicleNotFound)
		_, err = f.resolver.LatestSignals(ctx, "u2", "V1")
		assert.ErrorIs(t, err, ErrVehicleNotFound)
	})
}

func TestAdminService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCredential(t, "V1", "u1", time.Hour)
	f.appendEvent(t, "V1", models.EventOdometer, f.now, `{"value": 1}`)
	f.appendEvent(t, "V1", models.EventOdometer, f.now, `{"value": 2}`)
	_, err := f.tokens.GetValidToken(ctx, "V1")
	require.NoError(t, err)

	admin := NewAdminService(zap.NewNop(), f.store, f.store, f.machines)

	n, err := admin.ClearEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	dump, err := admin.Dump(ctx)
	require.NoError(t, err)
	assert.Empty(t, dump.Events)
	assert.Len(t, dump.Vehicles, 1)

	require.NoError(t, admin.ClearAll(ctx))
	dump, err = admin.Dump(ctx)
	require.NoError(t, err)
	assert.Empty(t, dump.Vehicles)
	assert.Empty(t, dump.Users)
	assert.Empty(t, f.machines.States())
}
