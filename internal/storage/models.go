package storage

import (
	"time"

	"github.com/google/uuid"
)

// RunModel maps to the "runs" table.
type RunModel struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Prompt       string    `gorm:"type:text;not null"`
	Provider     string    `gorm:"not null"`
	MaxRounds    int       `gorm:"not null"`
	Phase        string    `gorm:"not null;index"`
	Rounds       int       `gorm:"not null;default:0"`
	ToolCalls    int       `gorm:"not null;default:0"`
	Message      string    `gorm:"type:text"`
	Error        string    `gorm:"type:text"`
	InputTokens  int       `gorm:"not null;default:0"`
	OutputTokens int       `gorm:"not null;default:0"`
	StartedAt    time.Time `gorm:"index"`
	FinishedAt   *time.Time
}

func (RunModel) TableName() string { return "runs" }

// TurnModel maps to the "run_turns" table.
type TurnModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID         string    `gorm:"size:64;not null;uniqueIndex:idx_turn_seq"`
	SeqNum        int       `gorm:"not null;uniqueIndex:idx_turn_seq"`
	Role          string    `gorm:"not null"`
	Content       string    `gorm:"type:text"`
	ContentBlocks string    `gorm:"type:text"`
	CreatedAt     time.Time
}

func (TurnModel) TableName() string { return "run_turns" }

// ToolCallModel maps to the "tool_calls" table. A row is created from the
// assistant's tool_use block and completed from the matching tool_result.
type ToolCallModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID     string    `gorm:"size:64;not null;index:idx_toolcall_run"`
	CallID    string    `gorm:"not null;index:idx_toolcall_run"`
	RoundNum  int       `gorm:"not null"`
	CallIndex int       `gorm:"not null"`
	Name      string    `gorm:"not null;index"`
	Arguments string    `gorm:"type:text"`
	Completed bool      `gorm:"not null;default:false"`
	IsError   bool      `gorm:"not null;default:false"`
	Output    string    `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ToolCallModel) TableName() string { return "tool_calls" }
