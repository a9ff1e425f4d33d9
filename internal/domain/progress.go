package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StageKind identifies a phase of the generation pipeline. The set is
// closed: consumers switch over it exhaustively instead of probing a
// free-form map for optional keys.
type StageKind string

// Pipeline stages in execution order, plus the terminal outcomes.
const (
	StageInitializing   StageKind = "initializing"
	StageGeneratingText StageKind = "generating_text"
	StageGeneratingPage StageKind = "generating_page"
	StagePersisting     StageKind = "persisting"
	StageCompleted      StageKind = "completed"
	StageFailed         StageKind = "failed"
	StageCancelled      StageKind = "cancelled"
)

// Progress percent baselines per stage. Page generation interpolates
// between the image baseline and the persisting baseline.
const (
	PercentInitializing = 0
	PercentText         = 10
	PercentImagesStart  = 30
	PercentPersisting   = 90
	PercentDone         = 100
)

// Common validation errors for ProgressEvent
var (
	ErrEmptyEventJobID   = errors.New("progress event job ID cannot be empty")
	ErrInvalidStage      = errors.New("invalid progress stage")
	ErrInvalidPercent    = errors.New("percent must be between 0 and 100")
	ErrMissingPageNumber = errors.New("generating_page stage requires page numbers")
)

// Terminal reports whether the stage ends the job's event stream.
func (s StageKind) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// Stage is the tagged representation of a pipeline phase. Page and
// TotalPages are populated only when Kind is StageGeneratingPage.
type Stage struct {
	Kind       StageKind `json:"kind"`
	Page       int       `json:"page,omitempty"`
	TotalPages int       `json:"total_pages,omitempty"`
}

// Validate checks the stage tag and its associated fields.
func (s Stage) Validate() error {
	switch s.Kind {
	case StageGeneratingPage:
		if s.Page < 1 || s.TotalPages < 1 || s.Page > s.TotalPages {
			return ErrMissingPageNumber
		}
		return nil
	case StageInitializing, StageGeneratingText, StagePersisting,
		StageCompleted, StageFailed, StageCancelled:
		if s.Page != 0 || s.TotalPages != 0 {
			return fmt.Errorf("%w: page fields only valid for %s", ErrInvalidStage, StageGeneratingPage)
		}
		return nil
	default:
		return ErrInvalidStage
	}
}

// ProgressEvent is an immutable, append-only record describing one
// increment of a job. Sequence is strictly increasing per job; a
// consumer that has seen sequence k may discard any event with a
// sequence at or below k.
type ProgressEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	Sequence  uint64    `json:"sequence"`
	Stage     Stage     `json:"stage"`
	Percent   int       `json:"percent"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the event's invariants.
func (e ProgressEvent) Validate() error {
	if e.JobID == uuid.Nil {
		return ErrEmptyEventJobID
	}
	if err := e.Stage.Validate(); err != nil {
		return err
	}
	if e.Percent < 0 || e.Percent > 100 {
		return ErrInvalidPercent
	}
	return nil
}

// PagePercent computes the percent for per-page image generation:
// the image baseline plus the share of pages finished, scaled across
// the span up to the persisting baseline.
func PagePercent(pagesDone, totalPages int) int {
	if totalPages <= 0 {
		return PercentImagesStart
	}
	span := PercentPersisting - PercentImagesStart
	return PercentImagesStart + (pagesDone*span)/totalPages
}
