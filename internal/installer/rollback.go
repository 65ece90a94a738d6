package installer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

type rollbackStep struct {
	name string
	fn   func(ctx context.Context) error
}

// rollbackStack replays newest first. Steps must tolerate running against a
// host that already matches their target state.
type rollbackStack struct {
	steps []rollbackStep
}

func (s *rollbackStack) push(name string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, rollbackStep{name: name, fn: fn})
}

func (s *rollbackStack) clear() {
	s.steps = nil
}

func (s *rollbackStack) len() int {
	return len(s.steps)
}

// replay stops at the first failing step.
func (s *rollbackStack) replay(ctx context.Context) error {
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		log.Debug().Str("step", step.name).Msg("installer.rollback replay")
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	s.steps = nil
	return nil
}
