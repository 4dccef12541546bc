package common

// Priority orders downloads in the queue and weights their draws against the
// global bandwidth budget. Lower value means more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "Critical"
	case PriorityHigh:
		return "High"
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	case PriorityBackground:
		return "Background"
	default:
		return "Normal"
	}
}

// Weight returns the relative share of bandwidth tokens a download at this
// priority draws per request. Higher-priority downloads draw larger quanta,
// so under contention the bucket replenishes in their favour.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 16
	case PriorityHigh:
		return 8
	case PriorityNormal:
		return 4
	case PriorityLow:
		return 2
	case PriorityBackground:
		return 1
	default:
		return 4
	}
}
