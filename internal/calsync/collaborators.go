package calsync

import (
	"context"
	"time"
)

// Goal is a structured objective that scheduling suggestions are derived
// from. The calendar subsystem only reads goals; ownership lives elsewhere.
type Goal struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Deadline    time.Time `json:"deadline,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GoalRepository is implemented by the goal-management service.
type GoalRepository interface {
	ListGoals(ctx context.Context, userID string) ([]Goal, error)
	GetGoal(ctx context.Context, userID, goalID string) (Goal, error)
}

// ScheduleSuggestion is one proposed calendar slot for a goal.
type ScheduleSuggestion struct {
	GoalID  string    `json:"goalId"`
	Summary string    `json:"summary"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Reason  string    `json:"reason,omitempty"`
}

// ScheduleAdvisor is implemented by the analysis service that proposes
// slots given the user's goals and their current mirrored events.
type ScheduleAdvisor interface {
	SuggestSlots(ctx context.Context, userID string, goals []Goal, events []EventRecord) ([]ScheduleSuggestion, error)
}

// IdentityVerifier resolves a bearer token to the owning user id. The HTTP
// layer depends on this contract rather than a concrete token scheme.
type IdentityVerifier interface {
	VerifyToken(ctx context.Context, token string) (userID string, err error)
}
