package server

type operationPath struct {
	OperationID string `path:"operation_id" doc:"Operation id"`
}

type AdvancePhaseRequest struct {
	Phase string `json:"phase" enum:"observe,orient,decide,act"`
}

type PhaseResponse struct {
	OperationID string `json:"operation_id"`
	Phase       string `json:"phase"`
}
