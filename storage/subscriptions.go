package storage

import (
	"encoding/json"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/protocol"
)

// DefaultSubscriptionTTL, in seconds, applies to explicit subscriptions
// created without a time-to-live of their own.
const DefaultSubscriptionTTL int64 = 86400

// Subscription is one row of ps_stream_subscriptions: a stream name plus
// parameters the service delivers to this client, either because the server
// lists the stream as a default or because the app subscribed explicitly.
type Subscription struct {
	ID         int64
	StreamName string
	// Parameters is the JSON parameter object, or nil. It's stored as the
	// literal 'null' when absent so the (stream_name, parameters) unique
	// index applies.
	Parameters           json.RawMessage
	TTL                  *int64
	ExpiresAt            *int64
	LastSyncedAt         *int64
	IsDefault            bool
	Active               bool
	ExplicitSubscription bool
	LocalPriority        *protocol.BucketPriority
}

const subscriptionColumns = `id, stream_name, parameters, ttl, expires_at, last_synced_at, is_default, active, has_explicit_subscription, local_priority`

func scanSubscription(rows *hostdb.Rows) (Subscription, error) {
	var sub Subscription
	var params string
	var isDefault, active, explicit int64
	var localPriority *int64
	var err = rows.Scan(&sub.ID, &sub.StreamName, &params, &sub.TTL, &sub.ExpiresAt,
		&sub.LastSyncedAt, &isDefault, &active, &explicit, &localPriority)
	if err != nil {
		return sub, err
	}
	sub.IsDefault, sub.Active = isDefault != 0, active != 0
	sub.ExplicitSubscription = explicit != 0
	if params != "null" && params != "" {
		sub.Parameters = json.RawMessage(params)
	}
	if localPriority != nil {
		var p = protocol.BucketPriority(*localPriority)
		sub.LocalPriority = &p
	}
	return sub, nil
}

func paramsText(params json.RawMessage) string {
	if params == nil {
		return "null"
	}
	return string(params)
}

// ListSubscriptions returns all stored subscriptions ordered by id.
func ListSubscriptions(db *hostdb.DB) ([]Subscription, error) {
	var rows, err = db.Query(
		`SELECT ` + subscriptionColumns + ` FROM ps_stream_subscriptions ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if sub, err = scanSubscription(rows); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return subs, rows.Close()
}

// DeleteExpiredSubscriptions handles subscriptions whose expiry has passed:
// rows the server still lists as defaults fall back to plain defaults, and
// everything else is dropped.
func DeleteExpiredSubscriptions(db *hostdb.DB) error {
	if err := db.Exec(`
UPDATE ps_stream_subscriptions
   SET has_explicit_subscription = FALSE, ttl = NULL, expires_at = NULL
 WHERE expires_at < unixepoch() AND is_default`); err != nil {
		return err
	}
	return db.Exec(
		`DELETE FROM ps_stream_subscriptions WHERE expires_at < unixepoch() AND NOT is_default`)
}

// ExtendSubscriptionTTLs pushes out expires_at for the named streams the app
// still holds active.
func ExtendSubscriptionTTLs(db *hostdb.DB, activeStreams []string) error {
	if len(activeStreams) == 0 {
		return nil
	}
	var encoded, err = json.Marshal(activeStreams)
	if err != nil {
		return protocol.InternalError(err)
	}
	return db.Exec(`
UPDATE ps_stream_subscriptions
   SET expires_at = unixepoch() + ttl
 WHERE ttl IS NOT NULL
   AND stream_name IN (SELECT value FROM json_each(?))`, string(encoded))
}

// CollectSubscriptionRequests builds the stream section of an
// EstablishSyncStream request from stored explicit subscriptions, after
// handling expired rows. It also returns the local subscription ids in
// request order, used to resolve bucket subscription references of the next
// checkpoint.
func CollectSubscriptionRequests(db *hostdb.DB, includeDefaults bool) (protocol.StreamSubscriptionRequest, []int64, error) {
	var request = protocol.StreamSubscriptionRequest{
		IncludeDefaults: includeDefaults,
		Subscriptions:   []protocol.RequestedStreamSubscription{},
	}

	if err := DeleteExpiredSubscriptions(db); err != nil {
		return request, nil, err
	}

	var rows, err = db.Query(`SELECT ` + subscriptionColumns +
		` FROM ps_stream_subscriptions WHERE has_explicit_subscription ORDER BY id ASC`)
	if err != nil {
		return request, nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var sub Subscription
		if sub, err = scanSubscription(rows); err != nil {
			return request, nil, err
		}
		request.Subscriptions = append(request.Subscriptions, protocol.RequestedStreamSubscription{
			Stream:           sub.StreamName,
			Parameters:       sub.Parameters,
			OverridePriority: sub.LocalPriority,
		})
		ids = append(ids, sub.ID)
	}
	if err = rows.Err(); err != nil {
		return request, nil, err
	}
	return request, ids, rows.Close()
}

// CreateDefaultSubscription records a default stream listed by the server.
func CreateDefaultSubscription(db *hostdb.DB, streamName string) (Subscription, error) {
	var rows, err = db.Query(`
INSERT INTO ps_stream_subscriptions (stream_name, active, is_default)
VALUES (?, TRUE, TRUE) RETURNING `+subscriptionColumns, streamName)
	if err != nil {
		return Subscription{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		return Subscription{}, protocol.InternalError(rows.Err())
	}
	sub, err := scanSubscription(rows)
	if err != nil {
		return sub, err
	}
	return sub, rows.Close()
}

// UpdateSubscription writes back the mutable columns of a subscription.
func UpdateSubscription(db *hostdb.DB, sub *Subscription) error {
	return db.Exec(`
UPDATE ps_stream_subscriptions
   SET active = ?2, is_default = ?3, ttl = ?4, expires_at = ?5, last_synced_at = ?6
 WHERE id = ?1`,
		sub.ID, sub.Active, sub.IsDefault, sub.TTL, sub.ExpiresAt, sub.LastSyncedAt)
}

// DeleteSubscription removes one subscription row.
func DeleteSubscription(db *hostdb.DB, id int64) error {
	return db.Exec(`DELETE FROM ps_stream_subscriptions WHERE id = ?`, id)
}

// MarkSubscriptionSynced stamps last_synced_at, returning the stored time.
func MarkSubscriptionSynced(db *hostdb.DB, id int64) (int64, error) {
	return db.QueryInt64(`
UPDATE ps_stream_subscriptions SET last_synced_at = unixepoch()
 WHERE id = ? RETURNING last_synced_at`, id)
}

// Subscribe records an explicit app subscription, upserting over an existing
// default or explicit row for the same stream and parameters. A nil TTL
// applies DefaultSubscriptionTTL.
func Subscribe(db *hostdb.DB, stream string, params json.RawMessage,
	ttlSeconds *int64, priority *protocol.BucketPriority) error {

	var ttl = DefaultSubscriptionTTL
	if ttlSeconds != nil {
		ttl = *ttlSeconds
	}
	var localPriority interface{}
	if priority != nil {
		localPriority = int64(*priority)
	}

	return db.Exec(`
INSERT INTO ps_stream_subscriptions (stream_name, parameters, local_priority, ttl, expires_at, has_explicit_subscription)
VALUES (?1, ?2, ?3, ?4, unixepoch() + ?4, TRUE)
ON CONFLICT(stream_name, parameters) DO UPDATE
   SET local_priority = ?3, ttl = ?4, expires_at = unixepoch() + ?4, has_explicit_subscription = TRUE`,
		stream, paramsText(params), localPriority, ttl)
}

// Unsubscribe clears the explicit-subscription state of matching rows. Rows
// with a pending TTL linger until expires_at passes; rows without one are
// dropped immediately, as is every matching row when immediate is set. Rows
// the server lists as defaults are never dropped here.
func Unsubscribe(db *hostdb.DB, stream string, params json.RawMessage, immediate bool) error {
	if err := db.Exec(`
UPDATE ps_stream_subscriptions
   SET has_explicit_subscription = FALSE
 WHERE stream_name = ?1 AND parameters = ?2`,
		stream, paramsText(params)); err != nil {
		return err
	}

	var condition = `expires_at IS NULL`
	if immediate {
		condition = `TRUE`
	}
	return db.Exec(`
DELETE FROM ps_stream_subscriptions
 WHERE stream_name = ?1 AND parameters = ?2 AND NOT is_default AND `+condition,
		stream, paramsText(params))
}
