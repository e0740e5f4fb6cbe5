package store

import (
	"context"
	"fmt"
	"sort"
)

// ToggleReaction adds the user's emoji reaction if absent, removes it if
// present. Reports whether the reaction exists after the call.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reactions (message_id, user_id, emoji, created_at)
		 VALUES (?, ?, ?, ?)`,
		messageID, userID, emoji, now())
	if err != nil {
		return false, fmt.Errorf("add reaction: %w", err)
	}
	return true, nil
}

// MessageReactions returns emoji -> reacting user ids for one message.
func (s *Store) MessageReactions(ctx context.Context, messageID int64) (map[string][]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT emoji, user_id FROM reactions WHERE message_id = ?
		 ORDER BY created_at, user_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("message reactions: %w", err)
	}
	defer rows.Close()

	reactions := make(map[string][]int64)
	for rows.Next() {
		var emoji string
		var userID int64
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, err
		}
		reactions[emoji] = append(reactions[emoji], userID)
	}
	return reactions, rows.Err()
}

// MessageReactionList returns per-emoji aggregates in stable emoji order.
// This is the canonical reaction payload shape for API responses and
// broadcasts.
func (s *Store) MessageReactionList(ctx context.Context, messageID int64) ([]ReactionAggregate, error) {
	byEmoji, err := s.MessageReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	emojis := make([]string, 0, len(byEmoji))
	for emoji := range byEmoji {
		emojis = append(emojis, emoji)
	}
	sort.Strings(emojis)

	list := []ReactionAggregate{}
	for _, emoji := range emojis {
		users := byEmoji[emoji]
		list = append(list, ReactionAggregate{
			Emoji:   emoji,
			Count:   int64(len(users)),
			UserIDs: users,
		})
	}
	return list, nil
}

// attachReactions fills the Reactions map on each message in one query.
func (s *Store) attachReactions(ctx context.Context, messages []*Message) error {
	if len(messages) == 0 {
		return nil
	}
	byID := make(map[int64]*Message, len(messages))
	placeholders := ""
	args := make([]any, 0, len(messages))
	for i, m := range messages {
		byID[m.ID] = m
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, m.ID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, emoji, user_id FROM reactions
		 WHERE message_id IN (`+placeholders+`)
		 ORDER BY created_at, user_id`, args...)
	if err != nil {
		return fmt.Errorf("attach reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID int64
		var emoji string
		if err := rows.Scan(&messageID, &emoji, &userID); err != nil {
			return err
		}
		m := byID[messageID]
		if m == nil {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]int64)
		}
		m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	}
	return rows.Err()
}
