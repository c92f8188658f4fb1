package session

type State int

const (
	Idle State = iota
	Mining
)

func (s State) String() string {
	switch s {
	case Mining:
		return "mining"
	default:
		return "idle"
	}
}

// BoostState tracks the one-shot boost task. Started lives only in memory.
type BoostState int

const (
	BoostNotStarted BoostState = iota
	BoostStarted
	BoostClaimed
)

func (b BoostState) String() string {
	switch b {
	case BoostStarted:
		return "started"
	case BoostClaimed:
		return "claimed"
	default:
		return "not_started"
	}
}
