package model

import (
	"time"

	"github.com/google/uuid"
)

// Language of a generated answer.
type Language string

const (
	Python     Language = "python"
	JavaScript Language = "javascript"
)

func (l Language) Valid() bool {
	return l == Python || l == JavaScript
}

// FileObject is one file of a generated answer.
type FileObject struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

// CodeAnswer is the JSON shape answer models are asked to return.
type CodeAnswer struct {
	Files                []FileObject `json:"files"`
	InstallationCommands string       `json:"installation_commands"`
	AdditionalNotes      string       `json:"additional_notes"`
	Feedback             string       `json:"feedback,omitempty"`
}

// Response is one model's completion for a prompt.
type Response struct {
	Model      string     `json:"model"`
	Completion CodeAnswer `json:"completion"`
}

// WorkItem is what the pool enqueues and the API hands out.
type WorkItem struct {
	Prompt    string     `json:"prompt"`
	Language  Language   `json:"language"`
	Responses []Response `json:"responses"`
}

type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCached    ExecutionStatus = "CACHED"
)

// Execution records one SandboxExecutor call.
type Execution struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	CodeHash     string          `db:"code_hash" json:"codeHash"`
	Language     Language        `db:"language" json:"language"`
	Status       ExecutionStatus `db:"status" json:"status"`
	Attempts     int             `db:"attempts" json:"attempts"`
	Error        string          `db:"error" json:"error,omitempty"`
	ArtifactHash string          `db:"artifact_hash" json:"artifactHash,omitempty"`
	StartTime    time.Time       `db:"start_time" json:"startTime"`
	EndTime      time.Time       `db:"end_time" json:"endTime"`
}

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type CreateOptions struct {
	Name            string
	Image           string
	Cmd             []string
	Env             []string
	User            string
	WorkDir         string
	Mounts          []Mount
	HostNetwork     bool
	NoNetwork       bool
	Runtime         string
	SeccompProfile  string
	AppArmorProfile string
	CPUQuota        int64
	MemoryLimit     int64
	PidsLimit       int64
	Labels          map[string]string
}
