package ra

import (
	"sync"

	"github.com/pkg/errors"
)

// Registry maps attestation suite identifiers to driver factories. It
// is handed to connections through configuration rather than reached
// for as ambient process state.
type Registry struct {
	mtx       sync.Mutex
	provers   map[string]proverEntry
	verifiers map[string]verifierEntry
}

type proverEntry struct {
	factory ProverFactory
	cfg     interface{}
}

type verifierEntry struct {
	factory VerifierFactory
	cfg     interface{}
}

func NewRegistry() *Registry {
	return &Registry{
		provers:   make(map[string]proverEntry),
		verifiers: make(map[string]verifierEntry),
	}
}

// RegisterProver replaces any prior registration under id.
func (r *Registry) RegisterProver(id string, factory ProverFactory, cfg interface{}) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.provers[id] = proverEntry{factory: factory, cfg: cfg}
}

func (r *Registry) RegisterVerifier(id string, factory VerifierFactory, cfg interface{}) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.verifiers[id] = verifierEntry{factory: factory, cfg: cfg}
}

// StartProver constructs a driver under id, applies its registered
// configuration and starts it.
func (r *Registry) StartProver(id string, l ProverListener) (ProverDriver, error) {
	r.mtx.Lock()
	entry, ok := r.provers[id]
	r.mtx.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDriver, "prover %q", id)
	}
	d, err := entry.factory(l)
	if err != nil {
		return nil, errors.Wrapf(ErrDriverStart, "prover %q: %v", id, err)
	}
	if entry.cfg != nil {
		if c, ok := d.(Configurable); ok {
			if err := c.SetConfig(entry.cfg); err != nil {
				return nil, errors.Wrapf(ErrDriverStart, "prover %q config: %v", id, err)
			}
		}
	}
	d.Start()
	return d, nil
}

func (r *Registry) StartVerifier(id string, l VerifierListener) (VerifierDriver, error) {
	r.mtx.Lock()
	entry, ok := r.verifiers[id]
	r.mtx.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDriver, "verifier %q", id)
	}
	d, err := entry.factory(l)
	if err != nil {
		return nil, errors.Wrapf(ErrDriverStart, "verifier %q: %v", id, err)
	}
	if entry.cfg != nil {
		if c, ok := d.(Configurable); ok {
			if err := c.SetConfig(entry.cfg); err != nil {
				return nil, errors.Wrapf(ErrDriverStart, "verifier %q config: %v", id, err)
			}
		}
	}
	d.Start()
	return d, nil
}
