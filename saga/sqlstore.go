package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-conductor/conductor/storage"
	"github.com/pkg/errors"
)

type sqlStore struct {
	db     *sql.DB
	driver storage.Driver
}

// NewSQLStore creates the sql saga store, it supports mysql and postgres drivers.
func NewSQLStore(db *sql.DB, driver storage.Driver) (Store, error) {
	s := &sqlStore{db: db, driver: driver}
	if err := s.initTables(); err != nil {
		return nil, errors.Wrapf(err, "initializing tables for SQLSagaStore, driver %s", driver)
	}

	return s, nil
}

func (s *sqlStore) Create(ctx context.Context, execution *Execution) error {
	model, err := modelFromExecution(execution)
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = s.db.ExecContext(ctx, s.prepQuery(fmt.Sprintf("INSERT INTO %v (uid, definition_id, definition_version, status, context, steps, metadata, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);", executionsTableName)),
		execution.UID,
		execution.DefinitionID,
		execution.DefinitionVersion,
		execution.Status.String(),
		model.context,
		model.steps,
		model.metadata,
		model.startedAt,
		model.completedAt,
	)

	return errors.Wrapf(err, "inserting saga execution %s", execution.UID)
}

func (s *sqlStore) Update(ctx context.Context, execution *Execution) error {
	model, err := modelFromExecution(execution)
	if err != nil {
		return errors.WithStack(err)
	}

	res, err := s.db.ExecContext(ctx, s.prepQuery(fmt.Sprintf("UPDATE %v SET status=?, context=?, steps=?, metadata=?, started_at=?, completed_at=? WHERE uid=?;", executionsTableName)),
		execution.Status.String(),
		model.context,
		model.steps,
		model.metadata,
		model.startedAt,
		model.completedAt,
		execution.UID,
	)

	if err != nil {
		return errors.Wrapf(err, "updating saga execution %s", execution.UID)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "reading rows affected by update of saga %s", execution.UID)
	}

	if rows == 0 {
		return errors.Errorf("no saga execution %s found to update", execution.UID)
	}

	return nil
}

func (s *sqlStore) GetByID(ctx context.Context, sagaUID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, s.prepQuery(fmt.Sprintf("SELECT %v FROM %v WHERE uid=?;", executionColumns, executionsTableName)), sagaUID)

	execution, err := scanExecution(row.Scan)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "querying saga execution %s", sagaUID)
	}

	return execution, nil
}

func (s *sqlStore) GetByFilter(ctx context.Context, filters ...FilterOption) ([]*Execution, error) {
	if len(filters) == 0 {
		return nil, errors.Errorf("no filters found, you have to specify at least one so result won't be whole store")
	}

	opts := &filterOptions{}

	for _, filter := range filters {
		filter(opts)
	}

	query := fmt.Sprintf("SELECT %v FROM %v WHERE", executionColumns, executionsTableName)

	var (
		args       []interface{}
		conditions []string
	)

	if opts.status != "" {
		conditions = append(conditions, " status = ?")
		args = append(args, opts.status.String())
	}

	if opts.definitionID != "" {
		conditions = append(conditions, " definition_id = ?")
		args = append(args, opts.definitionID)
	}

	if opts.startedBefore != nil {
		conditions = append(conditions, " started_at < ?")
		args = append(args, *opts.startedBefore)
	}

	if len(conditions) == 0 {
		return nil, errors.Errorf("all specified filters are empty, you have to specify at least one so result won't be whole store")
	}

	for i, condition := range conditions {
		query += condition

		if i < len(conditions)-1 {
			query += " AND"
		}
	}

	query += " ORDER BY started_at"

	if opts.limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *opts.limit)
	}

	if opts.offset != nil {
		query += fmt.Sprintf(" OFFSET %d", *opts.offset)
	}

	query += ";"

	rows, err := s.db.QueryContext(ctx, s.prepQuery(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying sagas with filter")
	}

	defer rows.Close()

	return scanExecutions(rows)
}

func (s *sqlStore) GetActive(ctx context.Context) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, s.prepQuery(fmt.Sprintf("SELECT %v FROM %v WHERE status IN (?, ?, ?) ORDER BY started_at;", executionColumns, executionsTableName)),
		StatusCreated.String(), StatusRunning.String(), StatusCompensating.String())

	if err != nil {
		return nil, errors.Wrap(err, "querying active sagas")
	}

	defer rows.Close()

	return scanExecutions(rows)
}

func (s *sqlStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT status, COUNT(*) FROM %v GROUP BY status;", executionsTableName))
	if err != nil {
		return nil, errors.Wrap(err, "counting sagas by status")
	}

	defer rows.Close()

	counts := make(map[Status]int64)

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "scanning a status count row")
		}
		counts[Status(status)] = count
	}

	return counts, errors.WithStack(rows.Err())
}

func (s *sqlStore) RecentlyCompleted(ctx context.Context, limit int) ([]*Execution, error) {
	if limit < 1 {
		return nil, errors.Errorf("limit must be at least 1, got %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.prepQuery(fmt.Sprintf("SELECT %v FROM %v WHERE status = ? ORDER BY completed_at DESC LIMIT %d;", executionColumns, executionsTableName, limit)),
		StatusCompleted.String())

	if err != nil {
		return nil, errors.Wrap(err, "querying recently completed sagas")
	}

	defer rows.Close()

	return scanExecutions(rows)
}

func (s *sqlStore) AppendEvent(ctx context.Context, event Event) error {
	eventData, err := json.Marshal(event.Data)
	if err != nil {
		return errors.Wrapf(err, "serializing data of saga event %s", event.UID)
	}

	_, err = s.db.ExecContext(ctx, s.prepQuery(fmt.Sprintf("INSERT INTO %v (uid, saga_uid, event_type, event_data, occurred_at) VALUES (?, ?, ?, ?, ?);", sagaEventsTableName)),
		event.UID,
		event.SagaUID,
		event.Type,
		eventData,
		event.OccurredAt,
	)

	return errors.Wrapf(err, "inserting saga event %s for saga %s", event.UID, event.SagaUID)
}

func (s *sqlStore) Events(ctx context.Context, sagaUID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, s.prepQuery(fmt.Sprintf("SELECT uid, saga_uid, event_type, event_data, occurred_at FROM %v WHERE saga_uid=? ORDER BY occurred_at;", sagaEventsTableName)), sagaUID)
	if err != nil {
		return nil, errors.Wrapf(err, "querying events for saga %s", sagaUID)
	}

	defer rows.Close()

	events := make([]Event, 0)

	for rows.Next() {
		ev := Event{}
		var eventData []byte

		if err := rows.Scan(&ev.UID, &ev.SagaUID, &ev.Type, &eventData, &ev.OccurredAt); err != nil {
			return nil, errors.Wrapf(err, "scanning events for saga %s", sagaUID)
		}

		if len(eventData) > 0 {
			if err := json.Unmarshal(eventData, &ev.Data); err != nil {
				return nil, errors.Wrapf(err, "deserializing data of saga event %s", ev.UID)
			}
		}

		events = append(events, ev)
	}

	if rows.Err() != nil {
		return nil, errors.WithStack(rows.Err())
	}

	return events, nil
}

const executionColumns = "uid, definition_id, definition_version, status, context, steps, metadata, started_at, completed_at"

type executionSqlModel struct {
	context     []byte
	steps       []byte
	metadata    []byte
	startedAt   sql.NullTime
	completedAt sql.NullTime
}

func modelFromExecution(execution *Execution) (*executionSqlModel, error) {
	sagaCtx, err := json.Marshal(execution.Context)
	if err != nil {
		return nil, errors.Wrapf(err, "serializing context of saga %s", execution.UID)
	}

	steps, err := json.Marshal(execution.Steps)
	if err != nil {
		return nil, errors.Wrapf(err, "serializing steps of saga %s", execution.UID)
	}

	metadata, err := json.Marshal(execution.Metadata)
	if err != nil {
		return nil, errors.Wrapf(err, "serializing metadata of saga %s", execution.UID)
	}

	model := &executionSqlModel{context: sagaCtx, steps: steps, metadata: metadata}

	if !execution.StartedAt.IsZero() {
		model.startedAt = sql.NullTime{Time: execution.StartedAt, Valid: true}
	}

	if execution.CompletedAt != nil {
		model.completedAt = sql.NullTime{Time: *execution.CompletedAt, Valid: true}
	}

	return model, nil
}

func scanExecution(scan func(dest ...interface{}) error) (*Execution, error) {
	execution := &Execution{}
	model := executionSqlModel{}
	var status string

	if err := scan(
		&execution.UID,
		&execution.DefinitionID,
		&execution.DefinitionVersion,
		&status,
		&model.context,
		&model.steps,
		&model.metadata,
		&model.startedAt,
		&model.completedAt,
	); err != nil {
		return nil, err
	}

	execution.Status = Status(status)

	if len(model.context) > 0 {
		if err := json.Unmarshal(model.context, &execution.Context); err != nil {
			return nil, errors.Wrapf(err, "deserializing context of saga %s", execution.UID)
		}
	}

	if len(model.steps) > 0 {
		if err := json.Unmarshal(model.steps, &execution.Steps); err != nil {
			return nil, errors.Wrapf(err, "deserializing steps of saga %s", execution.UID)
		}
	}

	if len(model.metadata) > 0 {
		if err := json.Unmarshal(model.metadata, &execution.Metadata); err != nil {
			return nil, errors.Wrapf(err, "deserializing metadata of saga %s", execution.UID)
		}
	}

	if model.startedAt.Valid {
		execution.StartedAt = model.startedAt.Time
	}

	if model.completedAt.Valid {
		execution.CompletedAt = &model.completedAt.Time
	}

	return execution, nil
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	executions := make([]*Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scanning a saga execution row")
		}

		executions = append(executions, execution)
	}

	if rows.Err() != nil {
		return nil, errors.WithStack(rows.Err())
	}

	return executions, nil
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
		definition_id varchar(255) not null,
		definition_version int not null,
		status varchar(255) not null,
		context text null,
		steps text null,
		metadata text null,
		started_at timestamp null,
		completed_at timestamp null
	);`, executionsTableName))

	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "error rollback when %s", err)
		}
		return errors.WithStack(err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`create table if not exists %v
	(
		uid varchar(255) not null primary key,
		saga_uid varchar(255) not null,
		event_type varchar(255) not null,
		event_data text null,
		occurred_at timestamp null,
		constraint saga_events_executions_uid_fk
			foreign key (saga_uid) references %v (uid)
				on update cascade on delete cascade
	);`, sagaEventsTableName, executionsTableName))

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
