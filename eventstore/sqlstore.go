package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-conductor/conductor/log"
	"github.com/go-conductor/conductor/pubsub"
	"github.com/go-conductor/conductor/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	eventsTableName    = "domain_events"
	versionsTableName  = "aggregate_versions"
	snapshotsTableName = "snapshots"

	replayPause = time.Millisecond * 100
)

type sqlStore struct {
	db     *sql.DB
	driver storage.Driver
	bus    pubsub.Bus
	logger log.Logger
}

// NewSQLStore creates the sql event store, it supports mysql and postgres drivers.
// bus may be nil, in that case saved events are not published anywhere.
func NewSQLStore(db *sql.DB, driver storage.Driver, bus pubsub.Bus, logger log.Logger) (Store, error) {
	s := &sqlStore{db: db, driver: driver, bus: bus, logger: logger}
	if err := s.initTables(); err != nil {
		return nil, errors.Wrapf(err, "initializing tables for SQLEventStore, driver %s", driver)
	}

	return s, nil
}

// SaveEvents appends events to an aggregate's stream inside one transaction.
// The current version counter must equal expectedVersion, otherwise a
// *ConcurrencyError is returned and nothing is written. Saved events are
// published asynchronously after commit; a crash between commit and publish
// loses the publication, never the events.
func (s *sqlStore) SaveEvents(ctx context.Context, aggregateID, aggregateType string, events []Event, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "beginning a transaction for aggregate %s", aggregateID)
	}

	var currentVersion int64
	err = tx.QueryRowContext(ctx, s.prepQuery(fmt.Sprintf("SELECT version FROM %v WHERE aggregate_id=? AND aggregate_type=?;", versionsTableName)), aggregateID, aggregateType).
		Scan(&currentVersion)

	if err != nil && err != sql.ErrNoRows {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "rollback when %s", err)
		}
		return errors.Wrapf(err, "reading current version of aggregate %s", aggregateID)
	}

	if currentVersion != expectedVersion {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "rollback when version conflict on aggregate %s", aggregateID)
		}
		return &ConcurrencyError{
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			Expected:      expectedVersion,
			Actual:        currentVersion,
		}
	}

	saved := make([]Event, len(events))

	for i, ev := range events {
		ev.AggregateID = aggregateID
		ev.AggregateType = aggregateType
		ev.EventVersion = expectedVersion + int64(i) + 1

		if ev.UID == "" {
			ev.UID = uuid.New().String()
		}

		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}

		eventData, err := json.Marshal(ev.EventData)
		if err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				return errors.Wrapf(rErr, "rollback when %s", err)
			}
			return errors.Wrapf(err, "serializing data of event %s", ev.UID)
		}

		_, err = tx.ExecContext(ctx, s.prepQuery(fmt.Sprintf("INSERT INTO %v (uid, aggregate_id, aggregate_type, event_type, event_data, event_version, occurred_at, user_id, correlation_id, causation_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);", eventsTableName)),
			ev.UID,
			ev.AggregateID,
			ev.AggregateType,
			ev.EventType,
			eventData,
			ev.EventVersion,
			ev.OccurredAt,
			ev.UserID,
			ev.CorrelationID,
			ev.CausationID,
		)
		if err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				return errors.Wrapf(rErr, "rollback when %s", err)
			}
			return errors.Wrapf(err, "inserting event %s of aggregate %s", ev.UID, aggregateID)
		}

		saved[i] = ev
	}

	newVersion := expectedVersion + int64(len(events))

	if _, err := tx.ExecContext(ctx, s.upsertVersionQuery(), aggregateID, aggregateType, newVersion); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "rollback when %s", err)
		}
		return errors.Wrapf(err, "upserting version %d of aggregate %s", newVersion, aggregateID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "committing events of aggregate %s", aggregateID)
	}

	if s.bus != nil {
		go s.publish(saved)
	}

	return nil
}

func (s *sqlStore) publish(events []Event) {
	for _, ev := range events {
		s.bus.Publish(ev.EventType, ev)
		s.bus.Publish(ev.TypedTopic(), ev)
		s.bus.Publish(TopicDomainEvent, ev)
	}
}

func (s *sqlStore) GetEventStream(ctx context.Context, aggregateID, aggregateType string, fromVersion int64) (*Stream, error) {
	var currentVersion int64
	err := s.db.QueryRowContext(ctx, s.prepQuery(fmt.Sprintf("SELECT version FROM %v WHERE aggregate_id=? AND aggregate_type=?;", versionsTableName)), aggregateID, aggregateType).
		Scan(&currentVersion)

	if err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrapf(err, "reading version of aggregate %s", aggregateID)
	}

	rows, err := s.db.QueryContext(ctx, s.prepQuery(fmt.Sprintf("SELECT %v FROM %v WHERE aggregate_id=? AND aggregate_type=? AND event_version > ? ORDER BY event_version;", eventColumns, eventsTableName)),
		aggregateID, aggregateType, fromVersion)

	if err != nil {
		return nil, errors.Wrapf(err, "querying event stream of aggregate %s", aggregateID)
	}

	defer rows.Close()

	events, err := s.scanEvents(rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Stream{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       currentVersion,
		Events:        events,
	}, nil
}

func (s *sqlStore) GetEventsForAggregates(ctx context.Context, aggregateIDs []string, aggregateType string, from, to *time.Time) ([]Event, error) {
	if len(aggregateIDs) == 0 {
		return nil, errors.Errorf("no aggregate ids specified")
	}

	query := fmt.Sprintf("SELECT %v FROM %v WHERE aggregate_id IN (%v) AND aggregate_type=?", eventColumns, eventsTableName, wildcards(len(aggregateIDs)))

	args := make([]interface{}, 0, len(aggregateIDs)+3)
	for _, id := range aggregateIDs {
		args = append(args, id)
	}
	args = append(args, aggregateType)

	if from != nil {
		query += " AND occurred_at >= ?"
		args = append(args, *from)
	}

	if to != nil {
		query += " AND occurred_at <= ?"
		args = append(args, *to)
	}

	query += " ORDER BY event_version;"

	rows, err := s.db.QueryContext(ctx, s.prepQuery(query), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "querying events of %d aggregates of type %s", len(aggregateIDs), aggregateType)
	}

	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *sqlStore) GetEventsByType(ctx context.Context, eventTypes []string, from *time.Time, limit int) ([]Event, error) {
	if len(eventTypes) == 0 {
		return nil, errors.Errorf("no event types specified")
	}

	query := fmt.Sprintf("SELECT %v FROM %v WHERE event_type IN (%v)", eventColumns, eventsTableName, wildcards(len(eventTypes)))

	args := make([]interface{}, 0, len(eventTypes)+1)
	for _, evType := range eventTypes {
		args = append(args, evType)
	}

	if from != nil {
		query += " AND occurred_at >= ?"
		args = append(args, *from)
	}

	query += " ORDER BY occurred_at"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	query += ";"

	rows, err := s.db.QueryContext(ctx, s.prepQuery(query), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "querying events by types %v", eventTypes)
	}

	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *sqlStore) CreateSnapshot(ctx context.Context, snapshot Snapshot) error {
	if snapshot.UID == "" {
		snapshot.UID = uuid.New().String()
	}

	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	snapshotData, err := json.Marshal(snapshot.SnapshotData)
	if err != nil {
		return errors.Wrapf(err, "serializing snapshot data of aggregate %s", snapshot.AggregateID)
	}

	_, err = s.db.ExecContext(ctx, s.prepQuery(fmt.Sprintf("INSERT INTO %v (uid, aggregate_id, aggregate_type, aggregate_version, snapshot_data, created_at) VALUES (?, ?, ?, ?, ?, ?);", snapshotsTableName)),
		snapshot.UID,
		snapshot.AggregateID,
		snapshot.AggregateType,
		snapshot.AggregateVersion,
		snapshotData,
		snapshot.CreatedAt,
	)

	return errors.Wrapf(err, "inserting snapshot of aggregate %s at version %d", snapshot.AggregateID, snapshot.AggregateVersion)
}

func (s *sqlStore) GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*Snapshot, error) {
	snapshot := Snapshot{}
	var snapshotData []byte

	err := s.db.QueryRowContext(ctx, s.prepQuery(fmt.Sprintf("SELECT uid, aggregate_id, aggregate_type, aggregate_version, snapshot_data, created_at FROM %v WHERE aggregate_id=? AND aggregate_type=? ORDER BY aggregate_version DESC LIMIT 1;", snapshotsTableName)), aggregateID, aggregateType).
		Scan(
			&snapshot.UID,
			&snapshot.AggregateID,
			&snapshot.AggregateType,
			&snapshot.AggregateVersion,
			&snapshotData,
			&snapshot.CreatedAt,
		)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "querying latest snapshot of aggregate %s", aggregateID)
	}

	if len(snapshotData) > 0 {
		if err := json.Unmarshal(snapshotData, &snapshot.SnapshotData); err != nil {
			return nil, errors.Wrapf(err, "deserializing snapshot %s", snapshot.UID)
		}
	}

	return &snapshot, nil
}

// CleanupOldSnapshots deletes all but the most recent keepCount snapshots of
// an aggregate, recency determined by aggregate_version descending.
func (s *sqlStore) CleanupOldSnapshots(ctx context.Context, aggregateID, aggregateType string, keepCount int) (int64, error) {
	if keepCount < 1 {
		return 0, errors.Errorf("keepCount must be at least 1, got %d", keepCount)
	}

	rows, err := s.db.QueryContext(ctx, s.prepQuery(fmt.Sprintf("SELECT aggregate_version FROM %v WHERE aggregate_id=? AND aggregate_type=? ORDER BY aggregate_version DESC;", snapshotsTableName)), aggregateID, aggregateType)
	if err != nil {
		return 0, errors.Wrapf(err, "querying snapshot versions of aggregate %s", aggregateID)
	}

	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return 0, errors.Wrap(err, "scanning snapshot version")
		}
		versions = append(versions, v)
	}

	if rows.Err() != nil {
		return 0, errors.WithStack(rows.Err())
	}

	if len(versions) <= keepCount {
		return 0, nil
	}

	cutoff := versions[keepCount-1]

	res, err := s.db.ExecContext(ctx, s.prepQuery(fmt.Sprintf("DELETE FROM %v WHERE aggregate_id=? AND aggregate_type=? AND aggregate_version < ?;", snapshotsTableName)), aggregateID, aggregateType, cutoff)
	if err != nil {
		return 0, errors.Wrapf(err, "deleting old snapshots of aggregate %s", aggregateID)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "reading rows affected by snapshot cleanup")
	}

	return deleted, nil
}

// Replay re-publishes historical events under "replay.{eventType}" topics,
// paginated by occurred_at ascending with a short pause between batches to
// bound the load on subscribers.
func (s *sqlStore) Replay(ctx context.Context, aggregateType string, from *time.Time, batchSize int) (int, error) {
	if s.bus == nil {
		return 0, errors.Errorf("replay requires a bus to publish on")
	}

	if batchSize < 1 {
		return 0, errors.Errorf("batch size must be at least 1, got %d", batchSize)
	}

	var replayed int

	for offset := 0; ; offset += batchSize {
		query := fmt.Sprintf("SELECT %v FROM %v", eventColumns, eventsTableName)
		var args []interface{}
		var conditions []string

		if aggregateType != "" {
			conditions = append(conditions, "aggregate_type=?")
			args = append(args, aggregateType)
		}

		if from != nil {
			conditions = append(conditions, "occurred_at >= ?")
			args = append(args, *from)
		}

		if len(conditions) > 0 {
			query += " WHERE " + strings.Join(conditions, " AND ")
		}

		query += fmt.Sprintf(" ORDER BY occurred_at LIMIT %d OFFSET %d;", batchSize, offset)

		rows, err := s.db.QueryContext(ctx, s.prepQuery(query), args...)
		if err != nil {
			return replayed, errors.Wrapf(err, "querying replay batch at offset %d", offset)
		}

		events, err := s.scanEvents(rows)
		rows.Close()

		if err != nil {
			return replayed, errors.WithStack(err)
		}

		for _, ev := range events {
			s.bus.Publish(TopicReplayPrefix+pubsub.Delimiter+ev.EventType, ev)
			replayed++
		}

		if len(events) < batchSize {
			return replayed, nil
		}

		select {
		case <-ctx.Done():
			return replayed, errors.Wrap(ctx.Err(), "replay interrupted")
		case <-time.After(replayPause):
		}
	}
}

func (s *sqlStore) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		ByAggregateType: make(map[string]int64),
		ByEventType:     make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %v;", eventsTableName)).Scan(&stats.TotalEvents); err != nil {
		return nil, errors.Wrap(err, "counting events")
	}

	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %v;", versionsTableName)).Scan(&stats.DistinctAggregates); err != nil {
		return nil, errors.Wrap(err, "counting aggregates")
	}

	if err := s.scanGroupCounts(ctx, fmt.Sprintf("SELECT aggregate_type, COUNT(*) FROM %v GROUP BY aggregate_type;", eventsTableName), stats.ByAggregateType); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := s.scanGroupCounts(ctx, fmt.Sprintf("SELECT event_type, COUNT(*) FROM %v GROUP BY event_type;", eventsTableName), stats.ByEventType); err != nil {
		return nil, errors.WithStack(err)
	}

	if stats.TotalEvents > 0 {
		var oldest, newest time.Time
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MIN(occurred_at), MAX(occurred_at) FROM %v;", eventsTableName)).Scan(&oldest, &newest); err != nil {
			return nil, errors.Wrap(err, "reading event time bounds")
		}
		stats.OldestEvent = &oldest
		stats.NewestEvent = &newest
	}

	return stats, nil
}

// HealthCheck pings the database and cross-checks every aggregate's version
// counter against the max event version actually present in its stream.
func (s *sqlStore) HealthCheck(ctx context.Context) (*Health, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "pinging the database")
	}

	query := fmt.Sprintf("SELECT v.aggregate_id, v.aggregate_type, v.version, COALESCE(MAX(e.event_version), 0) FROM %v v LEFT JOIN %v e ON v.aggregate_id = e.aggregate_id AND v.aggregate_type = e.aggregate_type GROUP BY v.aggregate_id, v.aggregate_type, v.version HAVING v.version <> COALESCE(MAX(e.event_version), 0);", versionsTableName, eventsTableName)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "querying version mismatches")
	}

	defer rows.Close()

	health := &Health{Healthy: true}

	for rows.Next() {
		mismatch := VersionMismatch{}
		if err := rows.Scan(&mismatch.AggregateID, &mismatch.AggregateType, &mismatch.CounterVersion, &mismatch.MaxEventVersion); err != nil {
			return nil, errors.Wrap(err, "scanning version mismatch")
		}
		health.Mismatches = append(health.Mismatches, mismatch)
	}

	if rows.Err() != nil {
		return nil, errors.WithStack(rows.Err())
	}

	health.Healthy = len(health.Mismatches) == 0

	return health, nil
}

const eventColumns = "uid, aggregate_id, aggregate_type, event_type, event_data, event_version, occurred_at, user_id, correlation_id, causation_id"

func (s *sqlStore) scanEvents(rows *sql.Rows) ([]Event, error) {
	events := make([]Event, 0)

	for rows.Next() {
		ev := Event{}
		var eventData []byte

		if err := rows.Scan(
			&ev.UID,
			&ev.AggregateID,
			&ev.AggregateType,
			&ev.EventType,
			&eventData,
			&ev.EventVersion,
			&ev.OccurredAt,
			&ev.UserID,
			&ev.CorrelationID,
			&ev.CausationID,
		); err != nil {
			return nil, errors.Wrap(err, "scanning an event row")
		}

		if len(eventData) > 0 {
			if err := json.Unmarshal(eventData, &ev.EventData); err != nil {
				return nil, errors.Wrapf(err, "deserializing data of event %s", ev.UID)
			}
		}

		events = append(events, ev)
	}

	if rows.Err() != nil {
		return nil, errors.WithStack(rows.Err())
	}

	return events, nil
}

func (s *sqlStore) scanGroupCounts(ctx context.Context, query string, dst map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return errors.Wrapf(err, "querying group counts")
	}

	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return errors.Wrap(err, "scanning a group count row")
		}
		dst[key] = count
	}

	return errors.WithStack(rows.Err())
}

func (s *sqlStore) upsertVersionQuery() string {
	if s.driver == storage.PGDriver {
		return fmt.Sprintf("INSERT INTO %v (aggregate_id, aggregate_type, version) VALUES ($1, $2, $3) ON CONFLICT (aggregate_id, aggregate_type) DO UPDATE SET version=EXCLUDED.version;", versionsTableName)
	}

	return fmt.Sprintf("INSERT INTO %v (aggregate_id, aggregate_type, version) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE version=VALUES(version);", versionsTableName)
}

func (s *sqlStore) initTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})

	if err != nil {
		return errors.WithStack(err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`create table if not exists %v
	(
		uid varchar(255) not null primary key,
		aggregate_id varchar(255) not null,
		aggregate_type varchar(255) not null,
		event_type varchar(255) not null,
		event_data text null,
		event_version bigint not null,
		occurred_at timestamp null,
		user_id varchar(255) null,
		correlation_id varchar(255) null,
		causation_id varchar(255) null
	);`, eventsTableName))

	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "error rollback when %s", err)
		}
		return errors.WithStack(err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`create table if not exists %v
	(
		aggregate_id varchar(255) not null,
		aggregate_type varchar(255) not null,
		version bigint not null,
		primary key (aggregate_id, aggregate_type)
	);`, versionsTableName))

	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "error rollback when %s", err)
		}
		return errors.WithStack(err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`create table if not exists %v
	(
		uid varchar(255) not null primary key,
		aggregate_id varchar(255) not null,
		aggregate_type varchar(255) not null,
		aggregate_version bigint not null,
		snapshot_data text null,
		created_at timestamp null
	);`, snapshotsTableName))

	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "error rollback when %s", err)
		}
		return errors.WithStack(err)
	}

	if err := tx.Commit(); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

func (s *sqlStore) prepQuery(query string) string {
	return storage.PrepQuery(query, s.driver)
}

func wildcards(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n-1)+"?", " ")
}
