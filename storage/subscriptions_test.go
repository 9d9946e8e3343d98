package storage_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"go.powersync.dev/core/pstest"
	"go.powersync.dev/core/storage"
)

func TestSubscribeAndCollect(t *testing.T) {
	var db = pstest.NewDB(t)

	var ttl = int64(600)
	require.NoError(t, storage.Subscribe(db, "a", json.RawMessage(`{"p":1}`), &ttl, nil))
	require.NoError(t, storage.Subscribe(db, "b", nil, nil, nil))

	var request, ids, err = storage.CollectSubscriptionRequests(db, true)
	require.NoError(t, err)
	require.True(t, request.IncludeDefaults)
	require.Len(t, request.Subscriptions, 2)
	require.Len(t, ids, 2)
	require.Equal(t, "a", request.Subscriptions[0].Stream)
	require.JSONEq(t, `{"p":1}`, string(request.Subscriptions[0].Parameters))
	require.Nil(t, request.Subscriptions[1].Parameters)

	// Subscribing again to the same stream+parameters upserts.
	require.NoError(t, storage.Subscribe(db, "a", json.RawMessage(`{"p":1}`), &ttl, nil))
	request, _, err = storage.CollectSubscriptionRequests(db, true)
	require.NoError(t, err)
	require.Len(t, request.Subscriptions, 2)

	// The default TTL applies when none is given.
	var expires = pstest.QueryInt64(t, db, `
SELECT expires_at - unixepoch() FROM ps_stream_subscriptions WHERE stream_name = 'b'`)
	require.InDelta(t, storage.DefaultSubscriptionTTL, expires, 5)
}

func TestUnsubscribeKeepsRowUntilExpiry(t *testing.T) {
	var db = pstest.NewDB(t)

	var ttl = int64(600)
	require.NoError(t, storage.Subscribe(db, "a", nil, &ttl, nil))
	require.NoError(t, storage.Unsubscribe(db, "a", nil, false))

	// The row lingers until expires_at but is no longer explicit, so it's
	// excluded from requests.
	require.Equal(t, int64(1), pstest.QueryInt64(t, db,
		`SELECT count(*) FROM ps_stream_subscriptions`))
	var request, _, err = storage.CollectSubscriptionRequests(db, true)
	require.NoError(t, err)
	require.Empty(t, request.Subscriptions)

	// Immediate unsubscription deletes right away.
	require.NoError(t, storage.Subscribe(db, "b", nil, &ttl, nil))
	require.NoError(t, storage.Unsubscribe(db, "b", nil, true))
	require.Equal(t, int64(0), pstest.QueryInt64(t, db,
		`SELECT count(*) FROM ps_stream_subscriptions WHERE stream_name = 'b'`))
}

func TestExtendSubscriptionTTLs(t *testing.T) {
	var db = pstest.NewDB(t)

	var ttl = int64(3600)
	require.NoError(t, storage.Subscribe(db, "a", nil, &ttl, nil))
	require.NoError(t, db.Exec(
		`UPDATE ps_stream_subscriptions SET expires_at = unixepoch() + 10`))

	require.NoError(t, storage.ExtendSubscriptionTTLs(db, []string{"a"}))
	var remaining = pstest.QueryInt64(t, db,
		`SELECT expires_at - unixepoch() FROM ps_stream_subscriptions`)
	require.InDelta(t, 3600, remaining, 5)

	// Streams not named stay untouched.
	require.NoError(t, db.Exec(
		`UPDATE ps_stream_subscriptions SET expires_at = unixepoch() + 10`))
	require.NoError(t, storage.ExtendSubscriptionTTLs(db, []string{"other"}))
	remaining = pstest.QueryInt64(t, db,
		`SELECT expires_at - unixepoch() FROM ps_stream_subscriptions`)
	require.InDelta(t, 10, remaining, 5)
}

func TestExpiredDefaultFallsBackToDefault(t *testing.T) {
	var db = pstest.NewDB(t)

	require.NoError(t, db.Exec(`
INSERT INTO ps_stream_subscriptions (stream_name, is_default, active, ttl, expires_at, has_explicit_subscription)
VALUES ('s', TRUE, TRUE, 60, unixepoch() - 60, TRUE)`))

	require.NoError(t, storage.DeleteExpiredSubscriptions(db))

	// Still present as a plain default subscription.
	var subs, err = storage.ListSubscriptions(db)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.True(t, subs[0].IsDefault)
	require.False(t, subs[0].ExplicitSubscription)
	require.Nil(t, subs[0].ExpiresAt)
}
