package pipeline

// Stage names one node of the turn state machine.
type Stage string

const (
	StageLoadMemory             Stage = "load_memory"
	StageInterpretInput         Stage = "interpret_input"
	StagePerceive               Stage = "perceive"
	StageCheckMemoryIntegration Stage = "check_memory_integration"
	StageAssessRetrievalNeed    Stage = "assess_retrieval_need"
	StageRetrievalSearch        Stage = "retrieval_search"
	StageValidateRetrieval      Stage = "validate_retrieval_results"
	StageSimpleResponse         Stage = "simple_response"
	StageGenerateResponse       Stage = "generate_response"
	StageInterpretOutput        Stage = "interpret_output"
	StageMemoryUpdate           Stage = "memory_update"
	StageFinalize               Stage = "finalize"

	// StageDone is the terminal marker returned after the last stage.
	StageDone Stage = ""
)

// cancellable reports whether the runner aborts before s when the caller's
// context is done. Finalize only records what already happened.
func (s Stage) cancellable() bool {
	return s != StageFinalize
}

// Next is the transition function of the full pipeline. It only reads st.
func Next(s Stage, st *TurnState) Stage {
	switch s {
	case StageLoadMemory:
		return StageInterpretInput
	case StageInterpretInput:
		return StagePerceive
	case StagePerceive:
		return StageCheckMemoryIntegration
	case StageCheckMemoryIntegration:
		if st.Complexity == Simple {
			return StageSimpleResponse
		}
		return StageAssessRetrievalNeed
	case StageAssessRetrievalNeed:
		if st.NeedsRetrieval {
			return StageRetrievalSearch
		}
		return StageGenerateResponse
	case StageRetrievalSearch:
		return StageValidateRetrieval
	case StageValidateRetrieval:
		if st.NeedsRetrievalRetry {
			return StageRetrievalSearch
		}
		return StageGenerateResponse
	case StageSimpleResponse, StageGenerateResponse:
		return StageInterpretOutput
	case StageInterpretOutput:
		return StageMemoryUpdate
	case StageMemoryUpdate:
		return StageFinalize
	default:
		return StageDone
	}
}

// nextSimplified is the transition function of the single-node pipeline.
func nextSimplified(Stage, *TurnState) Stage { return StageDone }
