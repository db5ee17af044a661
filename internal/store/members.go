package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

func (s *Store) AddRoomMember(ctx context.Context, roomID, userID string, isOwner bool) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, is_owner) VALUES ($1,$2,$3)
		 ON CONFLICT (room_id, user_id) DO NOTHING`, roomID, userID, isOwner)
	return err
}

func (s *Store) RemoveRoomMember(ctx context.Context, roomID, userID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	return err
}

func (s *Store) ListRoomMembers(ctx context.Context, roomID string) ([]RoomMember, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT room_id, user_id, is_owner, joined_at FROM room_members WHERE room_id = $1 ORDER BY joined_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []RoomMember{}
	for rows.Next() {
		var m RoomMember
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.IsOwner, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListRoomMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY joined_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) ListRoomsWithMembers(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT DISTINCT room_id FROM room_members`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// TransferRoomOwner hands ownership to the oldest remaining member. Returns
// the new owner, or ErrNotFound when the room has no members left.
func (s *Store) TransferRoomOwner(ctx context.Context, roomID string) (string, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY joined_at ASC LIMIT 1 FOR UPDATE`, roomID)
	var next string
	if err := row.Scan(&next); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if _, err := tx.Exec(ctx, `UPDATE room_members SET is_owner = false WHERE room_id = $1`, roomID); err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, `UPDATE room_members SET is_owner = true WHERE room_id = $1 AND user_id = $2`, roomID, next); err != nil {
		return "", err
	}
	return next, tx.Commit(ctx)
}
