package agentrun

import "time"

// Job statuses reported by the job-execution service.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusCompleted = "completed"
	StatusErrored   = "errored"
)

// Active reports whether a job is still doing work.
func Active(status string) bool {
	return status == StatusRunning || status == StatusWaiting
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://localhost:4333",
		Timeout: 30 * time.Second,
	}
}

type CreateJobRequest struct {
	ProjectPath     string `json:"project_path"`
	Name            string `json:"name"`
	SkipPermissions bool   `json:"skip_permissions"`
}

type StartJobRequest struct {
	Prompt          string `json:"prompt"`
	Model           string `json:"model,omitempty"`
	SkipPermissions bool   `json:"skip_permissions"`
}

type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Output    []string  `json:"output,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
