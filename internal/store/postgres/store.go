package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ahmadkeyhan/sorrel/internal/models"
	"github.com/ahmadkeyhan/sorrel/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const summonColumns = "summon_id, token_id, token_number, seat, intention, is_handled, is_being_handled, handled_by, handled_at, created_at, request_id"

type Store struct {
	pool     *pgxpool.Pool
	dailyCap int
	cooldown time.Duration
	window   time.Duration
}

type Options struct {
	DailyCap int
	Cooldown time.Duration
	Window   time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	if options.DailyCap <= 0 {
		options.DailyCap = 3
	}
	if options.Cooldown <= 0 {
		options.Cooldown = 20 * time.Minute
	}
	if options.Window <= 0 {
		options.Window = 24 * time.Hour
	}
	return &Store{
		pool:     pool,
		dailyCap: options.DailyCap,
		cooldown: options.Cooldown,
		window:   options.Window,
	}
}

// CreateSummon persists a new summon after re-validating the rate limit
// inside the transaction. The per-fingerprint row in summon_limits is locked
// FOR UPDATE first, so two concurrent creates for the same fingerprint
// serialize and the second one sees the first one's insert: the cap cannot
// be exceeded even across processes.
func (s *Store) CreateSummon(ctx context.Context, input store.CreateSummonInput) (models.Summon, bool, error) {
	if !models.ValidIntention(input.Intention) {
		return models.Summon{}, false, store.ErrInvalidIntention
	}
	if input.TokenID == "" && input.Seat <= 0 {
		return models.Summon{}, false, store.ErrInvalidOrigin
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Summon{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findSummonByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Summon{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Summon{}, false, err
		}
		return existing, false, nil
	}

	seat := input.Seat
	var tokenID interface{}
	var tokenNumber interface{}
	if input.TokenID != "" {
		token, lookupErr := lookupToken(ctx, tx, input.TokenID)
		if lookupErr != nil {
			err = lookupErr
			return models.Summon{}, false, err
		}
		tokenID = token.TokenID
		tokenNumber = token.Number
		seat = token.Seat
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if err = lockFingerprintLimit(ctx, tx, input.Fingerprint); err != nil {
		return models.Summon{}, false, err
	}
	if err = s.checkLimitLocked(ctx, tx, input.Fingerprint, createdAt); err != nil {
		return models.Summon{}, false, err
	}

	summonID := uuid.NewString()
	var summon models.Summon
	row := tx.QueryRow(ctx, `
		INSERT INTO summons (
			summon_id, request_id, fingerprint, token_id, token_number, seat,
			intention, is_handled, is_being_handled, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,FALSE,$8)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING `+summonColumns+`
	`, summonID, input.RequestID, input.Fingerprint, tokenID, tokenNumber, seat, input.Intention, createdAt)
	if summon, err = scanSummonRow(row); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Summon{}, false, err
		}
		// A retry of the same request_id committed between the
		// idempotency read and the insert; replay its result.
		var replay models.Summon
		var replayFound bool
		replay, replayFound, err = findSummonByRequestID(ctx, tx, input.RequestID)
		if err != nil {
			return models.Summon{}, false, err
		}
		if !replayFound {
			err = errors.New("summon insert conflicted but request_id not found")
			return models.Summon{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Summon{}, false, err
		}
		return replay, false, nil
	}
	summon.Fingerprint = input.Fingerprint

	if err = insertSummonOutboxEvent(ctx, tx, "summon.created", summon); err != nil {
		return models.Summon{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Summon{}, false, err
	}

	return summon, true, nil
}

func (s *Store) GetSummon(ctx context.Context, summonID string) (models.Summon, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+summonColumns+`
		FROM summons
		WHERE summon_id = $1
	`, summonID)
	summon, err := scanSummonRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Summon{}, store.ErrSummonNotFound
		}
		return models.Summon{}, err
	}
	return summon, nil
}

func (s *Store) ListOpenSummons(ctx context.Context) ([]models.Summon, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+summonColumns+`
		FROM summons
		WHERE is_handled = FALSE
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summons []models.Summon
	for rows.Next() {
		summon, err := scanSummonRow(rows)
		if err != nil {
			return nil, err
		}
		summons = append(summons, summon)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summons, nil
}

func (s *Store) SummonTimesSince(ctx context.Context, fingerprint string, since time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT created_at
		FROM summons
		WHERE fingerprint = $1 AND created_at > $2
		ORDER BY created_at DESC
	`, fingerprint, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		times = append(times, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return times, nil
}

// StartHandling claims a summon. The claim overwrites any previous handler
// (last-writer-wins, staff coordinate through the dashboard); only a
// resolved summon rejects it.
func (s *Store) StartHandling(ctx context.Context, input store.SummonActionInput) (models.Summon, bool, error) {
	return s.applySummonAction(ctx, input, "start_handling", "summon.handling", `
		UPDATE summons
		SET is_being_handled = TRUE,
			handled_by = $2,
			handled_at = $3
		WHERE summon_id = $1 AND is_handled = FALSE
		RETURNING `+summonColumns)
}

// MarkResolved closes a summon. The WHERE clause makes the write
// conditional: of two concurrent calls exactly one row update wins and the
// loser reports the conflict.
func (s *Store) MarkResolved(ctx context.Context, input store.SummonActionInput) (models.Summon, bool, error) {
	return s.applySummonAction(ctx, input, "mark_resolved", "summon.resolved", `
		UPDATE summons
		SET is_handled = TRUE,
			is_being_handled = FALSE,
			handled_by = $2,
			handled_at = $3
		WHERE summon_id = $1 AND is_handled = FALSE
		RETURNING `+summonColumns)
}

func (s *Store) applySummonAction(ctx context.Context, input store.SummonActionInput, action, eventType, updateQuery string) (models.Summon, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Summon{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, action, input.RequestID)
	if err != nil {
		return models.Summon{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Summon{}, false, err
		}
		if empty {
			return models.Summon{}, false, store.ErrAlreadyResolved
		}
		return existing, false, nil
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, updateQuery, input.SummonID, input.StaffID, occurredAt)
	var summon models.Summon
	if summon, err = scanSummonRow(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			status, exists, stateErr := loadSummonStatus(ctx, tx, input.SummonID)
			if stateErr != nil {
				err = stateErr
				return models.Summon{}, false, err
			}
			if !exists {
				err = store.ErrSummonNotFound
				return models.Summon{}, false, err
			}
			// The row exists but the conditional update skipped it: the
			// summon is in a state the action no longer applies to.
			if store.ValidTransition(action, status) {
				err = errors.New("summon update raced status re-read: " + status)
				return models.Summon{}, false, err
			}
			err = store.ErrAlreadyResolved
			return models.Summon{}, false, err
		}
		return models.Summon{}, false, err
	}
	summon.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, action, input.RequestID, input.StaffID, summon.SummonID); err != nil {
		return models.Summon{}, false, err
	}

	if err = insertSummonOutboxEvent(ctx, tx, eventType, summon); err != nil {
		return models.Summon{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Summon{}, false, err
	}

	return summon, true, nil
}

func (s *Store) ResolveToken(ctx context.Context, number int) (models.Token, error) {
	var token models.Token
	row := s.pool.QueryRow(ctx, `
		SELECT token_id, number, seat
		FROM tokens
		WHERE number = $1
	`, number)
	if err := row.Scan(&token.TokenID, &token.Number, &token.Seat); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
	`
	args := []interface{}{}
	if !after.IsZero() {
		query += " WHERE created_at > $1 ORDER BY created_at ASC LIMIT $2"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListSummonEvents(ctx context.Context, summonID string) ([]store.SummonEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT summon_id, summon_seq, type, payload, created_at, prev_hash, hash
		FROM summon_events
		WHERE summon_id = $1
		ORDER BY summon_seq ASC
	`, summonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.SummonEvent
	for rows.Next() {
		var event store.SummonEvent
		if err := rows.Scan(&event.SummonID, &event.SummonSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, name, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.Name, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

func lockFingerprintLimit(ctx context.Context, tx pgx.Tx, fingerprint string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO summon_limits (fingerprint)
		VALUES ($1)
		ON CONFLICT (fingerprint) DO NOTHING
	`, fingerprint)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		SELECT fingerprint
		FROM summon_limits
		WHERE fingerprint = $1
		FOR UPDATE
	`, fingerprint)
	return err
}

func (s *Store) checkLimitLocked(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) error {
	rows, err := tx.Query(ctx, `
		SELECT created_at
		FROM summons
		WHERE fingerprint = $1 AND created_at > $2
		ORDER BY created_at DESC
	`, fingerprint, now.Add(-s.window))
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	var newest time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return err
		}
		if count == 0 {
			newest = ts
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if count >= s.dailyCap {
		return store.ErrRateLimited
	}
	if count > 0 && now.Sub(newest) < s.cooldown {
		return store.ErrRateLimited
	}
	return nil
}

func findSummonByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Summon, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+summonColumns+`
		FROM summons
		WHERE request_id = $1
	`, requestID)
	summon, err := scanSummonRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Summon{}, false, nil
		}
		return models.Summon{}, false, err
	}
	return summon, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Summon, bool, bool, error) {
	var summonID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT summon_id
		FROM summon_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&summonID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Summon{}, false, false, nil
		}
		return models.Summon{}, false, false, err
	}

	if !summonID.Valid {
		return models.Summon{}, true, true, nil
	}

	row = tx.QueryRow(ctx, `
		SELECT `+summonColumns+`
		FROM summons
		WHERE summon_id = $1
	`, summonID.String)
	summon, err := scanSummonRow(row)
	if err != nil {
		return models.Summon{}, false, false, err
	}
	summon.RequestID = requestID
	return summon, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, staffID, summonID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO summon_action_requests (request_id, action, staff_id, summon_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, nullIfEmpty(staffID), nullIfEmpty(summonID))
	return err
}

func loadSummonStatus(ctx context.Context, tx pgx.Tx, summonID string) (string, bool, error) {
	var isHandled, isBeingHandled bool
	row := tx.QueryRow(ctx, `
		SELECT is_handled, is_being_handled
		FROM summons
		WHERE summon_id = $1
	`, summonID)
	if err := row.Scan(&isHandled, &isBeingHandled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return (models.Summon{IsHandled: isHandled, IsBeingHandled: isBeingHandled}).Status(), true, nil
}

func insertSummonOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, summon models.Summon) error {
	payload := map[string]interface{}{
		"summon_id":        summon.SummonID,
		"token_id":         summon.TokenID,
		"token_number":     summon.TokenNumber,
		"seat":             summon.Seat,
		"intention":        summon.Intention,
		"is_handled":       summon.IsHandled,
		"is_being_handled": summon.IsBeingHandled,
		"handled_by":       summon.HandledBy,
		"handled_at":       summon.HandledAt,
		"created_at":       summon.CreatedAt,
		"request_id":       summon.RequestID,
		"status":           summon.Status(),
	}

	payloadJSON, err := jsonBytes(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	if err != nil {
		return err
	}
	return insertSummonEvent(ctx, tx, summon.SummonID, eventType, payloadJSON)
}

func insertSummonEvent(ctx context.Context, tx pgx.Tx, summonID, eventType string, payload []byte) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, summonID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT summon_seq, hash
		FROM summon_events
		WHERE summon_id = $1
		ORDER BY summon_seq DESC
		LIMIT 1
		FOR UPDATE
	`, summonID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	createdAt := time.Now().UTC()
	hash := store.ComputeSummonEventHash(prev, summonID, eventType, payload, createdAt, nextSeq)

	_, err := tx.Exec(ctx, `
		INSERT INTO summon_events (summon_id, summon_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, summonID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

func lookupToken(ctx context.Context, tx pgx.Tx, tokenID string) (models.Token, error) {
	var token models.Token
	row := tx.QueryRow(ctx, `
		SELECT token_id, number, seat
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	if err := row.Scan(&token.TokenID, &token.Number, &token.Seat); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

type summonRow interface {
	Scan(dest ...interface{}) error
}

func scanSummonRow(row summonRow) (models.Summon, error) {
	var summon models.Summon
	var tokenIDNull sql.NullString
	var tokenNumberNull sql.NullInt64
	var handledByNull sql.NullString
	var handledAtNull sql.NullTime
	if err := row.Scan(&summon.SummonID, &tokenIDNull, &tokenNumberNull, &summon.Seat, &summon.Intention, &summon.IsHandled, &summon.IsBeingHandled, &handledByNull, &handledAtNull, &summon.CreatedAt, &summon.RequestID); err != nil {
		return models.Summon{}, err
	}
	if tokenIDNull.Valid {
		summon.TokenID = &tokenIDNull.String
	}
	if tokenNumberNull.Valid {
		number := int(tokenNumberNull.Int64)
		summon.TokenNumber = &number
	}
	if handledByNull.Valid {
		summon.HandledBy = handledByNull.String
	}
	summon.HandledAt = nullTimePtr(handledAtNull)
	return summon, nil
}

func jsonBytes(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
