package exercise

import (
	"errors"
	"fmt"

	"github.com/san-kum/formcoach/server/models"
)

var ErrUnknownExercise = errors.New("unknown exercise")

// Registry maps exercise ids to their definitions. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	defs  map[models.ExerciseID]*Definition
	order []models.ExerciseID
}

func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{defs: make(map[models.ExerciseID]*Definition, len(defs))}
	for _, d := range defs {
		if _, dup := r.defs[d.ID]; dup {
			continue
		}
		r.defs[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	return r
}

// DefaultRegistry holds bicep curls, squats and front kicks.
func DefaultRegistry() *Registry {
	return NewRegistry(bicepCurls, squats, frontKicks)
}

func (r *Registry) Get(id models.ExerciseID) (*Definition, error) {
	d, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExercise, id)
	}
	return d, nil
}

func (r *Registry) List() []*Definition {
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}
