package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kimbia/internal/history"
)

// runModel is the GORM row for one recorded execution. The command line is
// stored as a JSON array so argument boundaries survive round-trips; SQLite
// keeps it as TEXT, PostgreSQL as a text column too.
type runModel struct {
	ID            string `gorm:"primaryKey"`
	CorrelationID string `gorm:"index"`
	Source        string `gorm:"not null;index"`
	JobName       string `gorm:"index"`
	CommandJSON   string `gorm:"column:command;type:text;not null"`
	Dir           string
	Status        string    `gorm:"not null;index"`
	ExitCode      int       `gorm:"not null"`
	Error         string    `gorm:"type:text"`
	Stdout        string    `gorm:"type:text"`
	Stderr        string    `gorm:"type:text"`
	StartedAt     time.Time `gorm:"not null;index"`
	FinishedAt    time.Time `gorm:"not null"`
}

func (runModel) TableName() string { return "runs" }

func toModel(run *history.Run) (*runModel, error) {
	cmd, err := json.Marshal(run.Command)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	return &runModel{
		ID:            run.ID.String(),
		CorrelationID: run.CorrelationID,
		Source:        string(run.Source),
		JobName:       run.JobName,
		CommandJSON:   string(cmd),
		Dir:           run.Dir,
		Status:        string(run.Status),
		ExitCode:      run.ExitCode,
		Error:         run.Error,
		Stdout:        run.Stdout,
		Stderr:        run.Stderr,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
	}, nil
}

func fromModel(m *runModel) (*history.Run, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing run id %q: %w", m.ID, err)
	}
	var cmd []string
	if m.CommandJSON != "" {
		if err := json.Unmarshal([]byte(m.CommandJSON), &cmd); err != nil {
			return nil, fmt.Errorf("decoding command for run %s: %w", m.ID, err)
		}
	}
	return &history.Run{
		ID:            id,
		CorrelationID: m.CorrelationID,
		Source:        history.Source(m.Source),
		JobName:       m.JobName,
		Command:       cmd,
		Dir:           m.Dir,
		Status:        history.Status(m.Status),
		ExitCode:      m.ExitCode,
		Error:         m.Error,
		Stdout:        m.Stdout,
		Stderr:        m.Stderr,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
	}, nil
}
