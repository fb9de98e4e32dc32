package alerts

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Operator compares an observed metric value to a threshold value.
type Operator string

const (
	OpGreaterThan    Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLessThan       Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
)

// Compare reports whether observed <op> threshold holds.
func (op Operator) Compare(observed, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return observed > threshold
	case OpGreaterOrEqual:
		return observed >= threshold
	case OpLessThan:
		return observed < threshold
	case OpLessOrEqual:
		return observed <= threshold
	case OpEqual:
		return observed == threshold
	case OpNotEqual:
		return observed != threshold
	}
	return false
}

// Threshold triggers an alert when the metric at Metric satisfies Operator
// against Value. Metric is a dotted path into the metrics snapshot, for
// example "messages.error_rate" or "pool.utilization".
type Threshold struct {
	ID          string         `json:"id"`
	Metric      string         `json:"metric"`
	Operator    Operator       `json:"operator"`
	Value       float64        `json:"value"`
	Severity    types.Severity `json:"severity"`
	Enabled     bool           `json:"enabled"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks the threshold definition, including that Metric compiles.
func (t Threshold) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Metric,
			validation.Required,
			validation.Length(1, 200),
			validation.By(func(any) error {
				if _, err := compilePath(t.Metric); err != nil {
					return errors.New("must be a valid metric path")
				}
				return nil
			}),
		),
		validation.Field(&t.Operator,
			validation.Required,
			validation.In(OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpEqual, OpNotEqual),
		),
		validation.Field(&t.Value,
			validation.By(func(any) error {
				if math.IsNaN(t.Value) || math.IsInf(t.Value, 0) {
					return errors.New("must be a finite number")
				}
				return nil
			}),
		),
		validation.Field(&t.Severity,
			validation.Required,
			validation.In(types.SeverityInfo, types.SeverityWarning, types.SeverityError, types.SeverityCritical),
		),
	)
}

// DefaultThresholds are installed at startup when none are configured.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{
			Metric:      "messages.error_rate",
			Operator:    OpGreaterThan,
			Value:       0.05,
			Severity:    types.SeverityWarning,
			Enabled:     true,
			Description: "More than 5% of inbound messages rejected",
		},
		{
			Metric:      "latency.avg_ms",
			Operator:    OpGreaterThan,
			Value:       1000,
			Severity:    types.SeverityError,
			Enabled:     true,
			Description: "Average delivery latency above one second",
		},
		{
			Metric:      "pool.utilization",
			Operator:    OpGreaterOrEqual,
			Value:       0.9,
			Severity:    types.SeverityCritical,
			Enabled:     true,
			Description: "Connection pool at 90% of current capacity",
		},
	}
}

func compilePath(path string) (*vm.Program, error) {
	program, err := expr.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("invalid metric path %q: %w", path, err)
	}
	return program, nil
}

// lookup evaluates a compiled metric path against snapshot fields.
func lookup(program *vm.Program, fields map[string]any) (float64, error) {
	out, err := expr.Run(program, fields)
	if err != nil {
		return 0, err
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, errors.New("metric not found")
	default:
		return 0, fmt.Errorf("metric is not numeric (%T)", out)
	}
}
