package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreatePoll creates a poll with its options and returns the full poll as the
// creator sees it.
func (s *Store) CreatePoll(ctx context.Context, roomID, createdBy int64, question string, options []string, multipleChoice, anonymous bool, endsAt string) (*Poll, error) {
	if len(options) < 2 {
		return nil, fmt.Errorf("poll needs at least two options")
	}

	var pollID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO polls (room_id, created_by, question, multiple_choice,
			                    anonymous, closed, ends_at, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			roomID, createdBy, question, boolInt(multipleChoice), boolInt(anonymous),
			nullStr(endsAt), now())
		if err != nil {
			return fmt.Errorf("insert poll: %w", err)
		}
		pollID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for _, opt := range options {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO poll_options (poll_id, option_text) VALUES (?, ?)`,
				pollID, opt); err != nil {
				return fmt.Errorf("insert option: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPoll(ctx, pollID, createdBy)
}

// GetPoll loads a poll with tallies from the viewer's perspective. Voter
// lists are withheld on anonymous polls.
func (s *Store) GetPoll(ctx context.Context, pollID, viewerID int64) (*Poll, error) {
	var p Poll
	var multi, anon, closed int
	var endsAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT p.id, p.room_id, p.created_by, COALESCE(u.nickname, u.username),
		        p.question, p.multiple_choice, p.anonymous, p.closed,
		        p.ends_at, p.created_at
		 FROM polls p JOIN users u ON u.id = p.created_by
		 WHERE p.id = ?`, pollID).
		Scan(&p.ID, &p.RoomID, &p.CreatedBy, &p.CreatorName, &p.Question,
			&multi, &anon, &closed, &endsAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get poll: %w", err)
	}
	p.MultipleChoice = multi != 0
	p.Anonymous = anon != 0
	p.Closed = closed != 0
	p.EndsAt = endsAt.String

	optRows, err := s.db.QueryContext(ctx,
		`SELECT id, option_text FROM poll_options WHERE poll_id = ? ORDER BY id`, pollID)
	if err != nil {
		return nil, fmt.Errorf("poll options: %w", err)
	}
	defer optRows.Close()

	p.Options = []PollOption{}
	for optRows.Next() {
		var opt PollOption
		if err := optRows.Scan(&opt.ID, &opt.Text); err != nil {
			return nil, err
		}
		p.Options = append(p.Options, opt)
	}
	if err := optRows.Err(); err != nil {
		return nil, err
	}

	voteRows, err := s.db.QueryContext(ctx,
		`SELECT option_id, user_id FROM poll_votes WHERE poll_id = ?`, pollID)
	if err != nil {
		return nil, fmt.Errorf("poll votes: %w", err)
	}
	defer voteRows.Close()

	voters := make(map[int64]bool)
	byOption := make(map[int64][]int64)
	for voteRows.Next() {
		var optionID, userID int64
		if err := voteRows.Scan(&optionID, &userID); err != nil {
			return nil, err
		}
		byOption[optionID] = append(byOption[optionID], userID)
		voters[userID] = true
		if userID == viewerID {
			p.MyVotes = append(p.MyVotes, optionID)
		}
	}
	if err := voteRows.Err(); err != nil {
		return nil, err
	}

	for i := range p.Options {
		ids := byOption[p.Options[i].ID]
		p.Options[i].VoteCount = int64(len(ids))
		if !p.Anonymous {
			p.Options[i].Voters = ids
		}
	}
	p.TotalVoters = int64(len(voters))
	return &p, nil
}

// ListRoomPolls returns a room's polls, newest first.
func (s *Store) ListRoomPolls(ctx context.Context, roomID, viewerID int64) ([]Poll, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM polls WHERE room_id = ? ORDER BY id DESC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list polls: %w", err)
	}
	ids, err := collectIDs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	polls := []Poll{}
	for _, id := range ids {
		p, err := s.GetPoll(ctx, id, viewerID)
		if err != nil {
			return nil, err
		}
		polls = append(polls, *p)
	}
	return polls, nil
}

// Vote records the user's choice. On a single-choice poll a new vote replaces
// any previous one; on a multiple-choice poll voting an already chosen option
// toggles it off.
func (s *Store) Vote(ctx context.Context, pollID, optionID, userID int64) error {
	var closed, multi int
	err := s.db.QueryRowContext(ctx,
		`SELECT closed, multiple_choice FROM polls WHERE id = ?`,
		pollID).Scan(&closed, &multi)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load poll: %w", err)
	}
	if closed != 0 {
		return ErrPollClosed
	}

	var belongs int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM poll_options WHERE id = ? AND poll_id = ?`,
		optionID, pollID).Scan(&belongs)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOptionMismatch
	}
	if err != nil {
		return fmt.Errorf("check option: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if multi != 0 {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM poll_votes WHERE poll_id = ? AND option_id = ? AND user_id = ?`,
				pollID, optionID, userID)
			if err != nil {
				return fmt.Errorf("toggle vote: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				return nil
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM poll_votes WHERE poll_id = ? AND user_id = ?`,
				pollID, userID); err != nil {
				return fmt.Errorf("replace vote: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO poll_votes (poll_id, option_id, user_id) VALUES (?, ?, ?)`,
			pollID, optionID, userID); err != nil {
			return fmt.Errorf("insert vote: %w", err)
		}
		return nil
	})
}

// ClosePoll marks a poll closed.
func (s *Store) ClosePoll(ctx context.Context, pollID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE polls SET closed = 1 WHERE id = ? AND closed = 0`, pollID)
	if err != nil {
		return fmt.Errorf("close poll: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredPoll identifies a poll auto-closed by the maintenance loop.
type ExpiredPoll struct {
	PollID int64
	RoomID int64
}

// CloseExpiredPolls closes polls whose deadline has passed and returns them
// so callers can notify the rooms.
func (s *Store) CloseExpiredPolls(ctx context.Context) ([]ExpiredPoll, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id FROM polls
		 WHERE closed = 0 AND ends_at IS NOT NULL AND ends_at != '' AND ends_at <= ?`,
		now())
	if err != nil {
		return nil, fmt.Errorf("list expired polls: %w", err)
	}
	var expired []ExpiredPoll
	for rows.Next() {
		var e ExpiredPoll
		if err := rows.Scan(&e.PollID, &e.RoomID); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range expired {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE polls SET closed = 1 WHERE id = ?`, e.PollID); err != nil {
			return nil, fmt.Errorf("close expired poll: %w", err)
		}
	}
	return expired, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
