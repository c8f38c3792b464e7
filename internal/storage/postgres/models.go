package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns. SQLite stores the same value as TEXT.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "null", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// RunModel maps to the "verification_runs" table.
// One row per finished report; rows are never updated.
type RunModel struct {
	ID             string    `gorm:"type:varchar(36);primaryKey"`
	SandboxKey     string    `gorm:"not null;index:idx_runs_key_started,priority:1"`
	RepoURL        string    `gorm:"not null;index"`
	Ref            string    `gorm:"not null"`
	RepoDir        string
	ProjectType    string
	OK             bool   `gorm:"not null;default:false"`
	Error          string `gorm:"type:text"`
	FailureKind    string `gorm:"index"`
	FailureStep    string
	FailureMessage string      `gorm:"type:text"`
	StartedAt      time.Time   `gorm:"not null;index:idx_runs_key_started,priority:2,sort:desc"`
	FinishedAt     time.Time   `gorm:"not null;index"`
	DurationMs     int64       `gorm:"not null;default:0"`
	Steps          []StepModel `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
	CreatedAt      time.Time
}

func (RunModel) TableName() string { return "verification_runs" }

// StepModel maps to the "verification_steps" table.
type StepModel struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	RunID      string `gorm:"type:varchar(36);not null;index"`
	Seq        int    `gorm:"not null"`
	Name       string `gorm:"not null"`
	Phase      string `gorm:"not null"`
	OK         bool   `gorm:"not null;default:false"`
	Skipped    bool   `gorm:"not null;default:false"`
	ExitCode   int    `gorm:"not null;default:0"`
	Command    JSONB  `gorm:"type:jsonb;not null;default:'[]'"`
	StdoutTail string `gorm:"type:text"`
	StderrTail string `gorm:"type:text"`
	DurationMs int64  `gorm:"not null;default:0"`
	Metadata   JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
}

func (StepModel) TableName() string { return "verification_steps" }
