package contracts

import (
	"fmt"
	"strings"
)

// CommandPriority orders commands queued for the same endpoint
type CommandPriority int

const (
	PriorityLow CommandPriority = iota
	PriorityNormal
	PriorityHigh
)

func (p CommandPriority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	default:
		return fmt.Sprintf("CommandPriority(%d)", int(p))
	}
}

// ParseCommandPriority parses the String form of a priority, case-insensitively.
// An empty string parses as PriorityNormal.
func ParseCommandPriority(s string) (CommandPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("%w: unknown command priority %q", ErrInvalidArgument, s)
}
