package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
)

// Error kinds reported to API callers.
const (
	KindIllegalTransition = "illegal_transition"
	KindMissingStageData  = "missing_stage_data"
	KindInvalidStageData  = "invalid_stage_data"
	KindTerminalState     = "terminal_state"
	KindNotFound          = "not_found"
)

// Error is implemented by every validation failure of the stage engine.
type Error interface {
	error
	Kind() string
	Details() map[string]interface{}
}

// IllegalTransitionError: target is not a legal successor of the current stage.
type IllegalTransitionError struct {
	From   int
	To     int
	Reason string
	Err    error
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal stage transition %s -> %s", stageRef(e.From), stageRef(e.To))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalTransitionError) Unwrap() error { return e.Err }
func (e *IllegalTransitionError) Kind() string  { return KindIllegalTransition }

func (e *IllegalTransitionError) Details() map[string]interface{} {
	d := map[string]interface{}{
		"from_stage":         e.From,
		"target_stage":       e.To,
		"allowed_successors": LegalSuccessors(e.From),
	}
	if e.Reason != "" {
		d["reason"] = e.Reason
	}
	return d
}

// MissingStageDataError lists the keys required to leave Stage that were absent.
type MissingStageDataError struct {
	Stage  int
	Fields []string
}

func (e *MissingStageDataError) Error() string {
	return fmt.Sprintf("missing stage data for leaving %s: %s", stageRef(e.Stage), strings.Join(e.Fields, ", "))
}

func (e *MissingStageDataError) Kind() string { return KindMissingStageData }

func (e *MissingStageDataError) Details() map[string]interface{} {
	return map[string]interface{}{
		"stage":          e.Stage,
		"missing_fields": e.Fields,
	}
}

// InvalidStageDataError: a stage data key was present but unusable.
type InvalidStageDataError struct {
	Stage  int
	Field  string
	Reason string
}

func (e *InvalidStageDataError) Error() string {
	return fmt.Sprintf("invalid stage data field %q: %s", e.Field, e.Reason)
}

func (e *InvalidStageDataError) Kind() string { return KindInvalidStageData }

func (e *InvalidStageDataError) Details() map[string]interface{} {
	return map[string]interface{}{
		"stage":  e.Stage,
		"field":  e.Field,
		"reason": e.Reason,
	}
}

// TerminalStateError: the opportunity is already Won, Lost or Dropped.
type TerminalStateError struct {
	OpportunityID string
	Stage         int
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("opportunity %s is in terminal stage %s (%s)", e.OpportunityID, stageRef(e.Stage), entity.StatusForStage(e.Stage))
}

func (e *TerminalStateError) Kind() string { return KindTerminalState }

func (e *TerminalStateError) Details() map[string]interface{} {
	return map[string]interface{}{
		"opportunity_id": e.OpportunityID,
		"current_stage":  e.Stage,
		"status":         entity.StatusForStage(e.Stage),
	}
}

// NotFoundError: unknown opportunity id.
type NotFoundError struct {
	OpportunityID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("opportunity %s not found", e.OpportunityID)
}

func (e *NotFoundError) Kind() string { return KindNotFound }

func (e *NotFoundError) Details() map[string]interface{} {
	return map[string]interface{}{"opportunity_id": e.OpportunityID}
}

// KindOf returns the engine error kind of err, or "" for other errors.
func KindOf(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return ""
}

func stageRef(stage int) string {
	if stage < entity.MinStage || stage > entity.MaxStage {
		return fmt.Sprintf("stage %d", stage)
	}
	return entity.StageCode(stage)
}
