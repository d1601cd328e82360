package model

// HealthResponse reports engine availability and the GPU budget.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
	GPU      *GPUInfo          `json:"gpu,omitempty"`
	Budget   BudgetInfo        `json:"budget"`
}

// GPUInfo describes the detected GPU, absent on CPU-only hosts.
type GPUInfo struct {
	Name    string `json:"name"`
	TotalMB int64  `json:"totalMb"`
}

// BudgetInfo is the live memory budget snapshot.
type BudgetInfo struct {
	TotalMB     int64 `json:"totalMb"`
	LeasedMB    int64 `json:"leasedMb"`
	AvailableMB int64 `json:"availableMb"`
}

// ModelInfo describes one model offered by the LLM backend.
type ModelInfo struct {
	Name          string `json:"name"`
	SizeBytes     int64  `json:"sizeBytes"`
	ParameterSize string `json:"parameterSize,omitempty"`
}

// ModelsResponse lists the models available for the script stage.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}
