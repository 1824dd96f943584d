package fall

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sweeney/floor-sensor/internal/frame"
)

// ErrInvalidProbability is returned for scores outside [0, 1].
var ErrInvalidProbability = errors.New("probability out of range")

// Classifier scores a window of consecutive frames with the probability that
// it shows a fall. Implementations are opaque to the state machine.
type Classifier interface {
	Score(ctx context.Context, frames []frame.Frame) (float64, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, frames []frame.Frame) (float64, error)

// Score calls f.
func (f ClassifierFunc) Score(ctx context.Context, frames []frame.Frame) (float64, error) {
	return f(ctx, frames)
}

func checkProbability(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidProbability, p)
	}
	return nil
}

// score runs c and validates its output.
func score(ctx context.Context, c Classifier, frames []frame.Frame) (float64, error) {
	p, err := c.Score(ctx, frames)
	if err != nil {
		return 0, fmt.Errorf("classifier: %w", err)
	}
	if err := checkProbability(p); err != nil {
		return 0, fmt.Errorf("classifier: %w", err)
	}
	return p, nil
}
