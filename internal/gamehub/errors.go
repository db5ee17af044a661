package gamehub

import "errors"

var (
	ErrNoSession         = errors.New("no_session")
	ErrSessionInProgress = errors.New("session_in_progress")
	ErrNotOwner          = errors.New("not_owner")
	ErrNotAllReady       = errors.New("not_all_ready")
	ErrNotAMember        = errors.New("not_a_member")
	ErrUnknownGameType   = errors.New("unknown_game_type")
)
