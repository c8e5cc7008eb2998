// Package health exposes batch progress and dependency status over HTTP.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// rank orders statuses so the worst one wins.
func (s SystemStatus) rank() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusCritical:
		return 2
	}
	return 0
}

func worst(a, b SystemStatus) SystemStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// BatchProgress describes the batch currently observed by the monitor.
type BatchProgress struct {
	BatchID    string         `json:"batch_id"`
	State      string         `json:"state"`
	Status     SystemStatus   `json:"status"`
	Total      int            `json:"total"`
	Processed  int            `json:"processed"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	ByCategory map[string]int `json:"by_category"`
	HaltError  string         `json:"halt_error,omitempty"`
}

// DependencyHealth is the result of pinging one backing service.
type DependencyHealth struct {
	Name   string       `json:"name"`
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                `json:"system_status"`
	Batch        *BatchProgress              `json:"batch,omitempty"`
	RetryQueue   int                         `json:"retry_queue"`
	Dependencies map[string]DependencyHealth `json:"dependencies"`
}
