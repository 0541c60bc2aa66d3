package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Session status values. completed, failed and cancelled are terminal:
// once a session reaches one of them no further mutation is permitted.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Session kinds
const (
	KindTraining = "training"
	KindBacktest = "backtest"
)

// IsTerminalStatus reports whether a status permits no further transitions
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// MetricsMap stores metric name -> value pairs as a jsonb column
type MetricsMap map[string]float64

// Value implements driver.Valuer for jsonb storage
func (m MetricsMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for jsonb storage
func (m *MetricsMap) Scan(value interface{}) error {
	if value == nil {
		*m = MetricsMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type %T for MetricsMap", value)
	}
}

// JobConfig is the validated job configuration handed to the execution engine
type JobConfig struct {
	EntryPoint      string             `json:"entry_point"`
	Args            []string           `json:"args,omitempty"`
	Dataset         string             `json:"dataset,omitempty"`
	TotalSteps      int                `json:"total_steps"`
	Hyperparameters map[string]float64 `json:"hyperparameters,omitempty"`

	// Backtest-only fields
	Strategy       string   `json:"strategy,omitempty"`
	Symbols        []string `json:"symbols,omitempty"`
	StartDate      string   `json:"start_date,omitempty"`
	EndDate        string   `json:"end_date,omitempty"`
	InitialCapital float64  `json:"initial_capital,omitempty"`
}

// Validate checks a configuration at submission time
func (c *JobConfig) Validate(kind string) error {
	if c.EntryPoint == "" {
		return errors.New("entry_point is required")
	}
	if c.TotalSteps <= 0 {
		return errors.New("total_steps must be positive")
	}
	if kind == KindBacktest {
		if c.Strategy == "" {
			return errors.New("strategy is required for backtest sessions")
		}
		if len(c.Symbols) == 0 {
			return errors.New("at least one symbol is required for backtest sessions")
		}
	}
	return nil
}

// Value implements driver.Valuer for jsonb storage
func (c JobConfig) Value() (driver.Value, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for jsonb storage
func (c *JobConfig) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("unsupported type %T for JobConfig", value)
	}
}

// Session represents one dispatched training or backtest job
type Session struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	OwnerID uint   `gorm:"index" json:"owner_id"`
	Owner   User   `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Kind    string `gorm:"index" json:"kind"` // training, backtest

	Status      string  `gorm:"index;default:'pending'" json:"status"`
	Progress    float64 `json:"progress"` // 0-100, monotone while running
	CurrentStep int     `json:"current_step"`
	TotalSteps  int     `json:"total_steps"`

	Config        JobConfig  `gorm:"type:jsonb" json:"config"`
	LatestMetrics MetricsMap `gorm:"type:jsonb" json:"latest_metrics"`
	BestMetrics   MetricsMap `gorm:"type:jsonb" json:"best_metrics"`
	ErrorMessage  string     `json:"error_message,omitempty"`

	// TaskHandle is the opaque cancellation reference issued by the
	// execution engine; EngineSessionID its own correlation id, if any.
	TaskHandle      string `json:"task_handle,omitempty"`
	EngineSessionID string `json:"engine_session_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// MetricPoint is one time-series sample, append-only
type MetricPoint struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID uint      `gorm:"index" json:"session_id"`
	Name      string    `gorm:"index" json:"name"`
	Value     float64   `json:"value"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// ResourceSample is one CPU/memory/GPU utilization sample, append-only
type ResourceSample struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SessionID  uint      `gorm:"index" json:"session_id"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	GPUPercent float64   `json:"gpu_percent"`
	Timestamp  time.Time `json:"timestamp"`
}

// BacktestResult summarizes a completed backtest session's final metrics
type BacktestResult struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	SessionID    uint            `gorm:"uniqueIndex" json:"session_id"`
	Session      Session         `gorm:"foreignKey:SessionID" json:"session,omitempty"`
	TotalReturn  decimal.Decimal `gorm:"type:decimal(15,4)" json:"total_return"`
	AnnualReturn decimal.Decimal `gorm:"type:decimal(15,4)" json:"annual_return"`
	MaxDrawdown  decimal.Decimal `gorm:"type:decimal(15,4)" json:"max_drawdown"`
	SharpeRatio  decimal.Decimal `gorm:"type:decimal(10,4)" json:"sharpe_ratio"`
	WinRate      decimal.Decimal `gorm:"type:decimal(10,4)" json:"win_rate"`
	TotalTrades  int             `json:"total_trades"`
	CreatedAt    time.Time       `json:"created_at"`
}

// BacktestResultFromMetrics derives a result row from a session's final metrics.
// Missing metric names simply produce zero values.
func BacktestResultFromMetrics(sessionID uint, metrics MetricsMap) *BacktestResult {
	dec := func(name string) decimal.Decimal {
		return decimal.NewFromFloat(metrics[name])
	}
	return &BacktestResult{
		SessionID:    sessionID,
		TotalReturn:  dec("total_return"),
		AnnualReturn: dec("annual_return"),
		MaxDrawdown:  dec("max_drawdown"),
		SharpeRatio:  dec("sharpe_ratio"),
		WinRate:      dec("win_rate"),
		TotalTrades:  int(metrics["total_trades"]),
	}
}

// MigrateSessionModels runs database migrations for session-related models
func MigrateSessionModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Session{},
		&MetricPoint{},
		&ResourceSample{},
		&BacktestResult{},
	)
}
