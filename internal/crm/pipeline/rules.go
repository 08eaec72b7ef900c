package pipeline

import "github.com/bitfantasy/nimo-crm/internal/crm/entity"

// manualTransitions 手动流转表；5→8 只允许超时自动触发，不在表中
var manualTransitions = map[int][]int{
	entity.StageProspect:               {entity.StageQualification},
	entity.StageQualification:          {entity.StageProposal},
	entity.StageProposal:               {entity.StageTechnicalQualification},
	entity.StageTechnicalQualification: {entity.StageCommercialNegotiation},
	entity.StageCommercialNegotiation:  {entity.StageWon, entity.StageLost},
	entity.StageWon:                    {},
	entity.StageLost:                   {},
	entity.StageDropped:                {},
}

// LegalSuccessors returns the stages a manual request may move to from stage.
func LegalSuccessors(stage int) []int {
	next, ok := manualTransitions[stage]
	if !ok {
		return []int{}
	}
	out := make([]int, len(next))
	copy(out, next)
	return out
}

// IsLegalTransition reports whether a manual request from -> to is allowed.
func IsLegalTransition(from, to int) bool {
	for _, s := range manualTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// decisionForTarget maps a stage-5 target to the decision it requires.
func decisionForTarget(target int) string {
	switch target {
	case entity.StageWon:
		return DecisionWon
	case entity.StageLost:
		return DecisionLost
	}
	return ""
}
