package aggregate

import "fmt"

// Registry is an ordered, name-keyed set of algorithms. It is built once
// and passed to whoever needs it.
type Registry struct {
	order []Algorithm
	index map[string]int
}

func NewRegistry(algs ...Algorithm) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(algs))}
	for _, a := range algs {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default holds the built-in algorithms in display order.
func Default() *Registry {
	r, err := NewRegistry(Average, Nonlinear)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Register(a Algorithm) error {
	if a.Name == "" || a.Reduce == nil {
		return fmt.Errorf("algorithm %q is incomplete", a.Name)
	}
	if _, exists := r.index[a.Name]; exists {
		return fmt.Errorf("algorithm %q already registered", a.Name)
	}
	r.index[a.Name] = len(r.order)
	r.order = append(r.order, a)
	return nil
}

func (r *Registry) Get(name string) (Algorithm, bool) {
	i, ok := r.index[name]
	if !ok {
		return Algorithm{}, false
	}
	return r.order[i], true
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	for i, a := range r.order {
		names[i] = a.Name
	}
	return names
}

func (r *Registry) All() []Algorithm {
	return append([]Algorithm(nil), r.order...)
}
