package rpc

import (
	"cmdforge/internal/service"
	"cmdforge/internal/types"
)

const (
	ValidationServiceName = "cmdforge.v1.ValidationService"
	RegistryServiceName   = "cmdforge.v1.RegistryService"
	HealthServiceName     = "cmdforge.v1.HealthService"

	SubmitProcedure   = "/" + ValidationServiceName + "/Submit"
	CancelProcedure   = "/" + ValidationServiceName + "/Cancel"
	GenerateProcedure = "/" + ValidationServiceName + "/Generate"

	GetActiveProcedure    = "/" + RegistryServiceName + "/GetActive"
	RollbackProcedure     = "/" + RegistryServiceName + "/Rollback"
	HistoryProcedure      = "/" + RegistryServiceName + "/History"
	ListCommandsProcedure = "/" + RegistryServiceName + "/ListCommands"
	VersionsProcedure     = "/" + RegistryServiceName + "/Versions"
	RetireProcedure       = "/" + RegistryServiceName + "/Retire"
	RunProcedure          = "/" + RegistryServiceName + "/Run"

	HealthCheckProcedure = "/" + HealthServiceName + "/Check"
)

type SubmitRequest = service.SubmitRequest

type GenerateRequest = service.GenerateRequest

type SubmitResponse struct {
	ArtifactID        string                   `json:"artifactId"`
	Name              string                   `json:"name"`
	Verdict           types.Verdict            `json:"verdict"`
	Result            types.ValidationResult   `json:"result"`
	Execution         *types.ExecutionResult   `json:"execution,omitempty"`
	Command           *types.RegisteredCommand `json:"command,omitempty"`
	AlreadyRegistered bool                     `json:"alreadyRegistered,omitempty"`
}

type CancelRequest struct {
	ArtifactID string `json:"artifactId"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type NameRequest struct {
	Name string `json:"name"`
}

type RollbackRequest struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

type CommandResponse struct {
	Command types.RegisteredCommand `json:"command"`
}

type CommandsResponse struct {
	Commands []types.RegisteredCommand `json:"commands"`
}

type ListCommandsRequest struct{}

type HistoryRequest struct {
	Name       string `json:"name,omitempty"`
	ArtifactID string `json:"artifactId,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type HistoryResponse struct {
	Entries []types.HistoryEntry `json:"entries"`
}

type RunResponse struct {
	Execution types.ExecutionResult `json:"execution"`
}
