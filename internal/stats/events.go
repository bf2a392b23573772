package stats

// StatEventType identifies a StatEvent.
type StatEventType int

const (
	LocalUserAdded StatEventType = iota + 1
	LocalUserRemoved
	StatUpdateComplete
	// GetLeaderboardComplete is reserved; leaderboard queries are not implemented.
	GetLeaderboardComplete
)

func (t StatEventType) String() string {
	switch t {
	case LocalUserAdded:
		return "local_user_added"
	case LocalUserRemoved:
		return "local_user_removed"
	case StatUpdateComplete:
		return "stat_update_complete"
	case GetLeaderboardComplete:
		return "get_leaderboard_complete"
	default:
		return "unknown"
	}
}

// StatEvent is returned from Manager.DoWork.
type StatEvent struct {
	Type StatEventType
	Xuid string
	Err  error
}
