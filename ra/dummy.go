package ra

import "sync"

// DummyRaID identifies the in-process attestation suite used for
// development and tests: the prover pushes a canned report, the
// verifier grants it.
const DummyRaID = "Dummy"

const (
	dummyReport = "dummy-attestation-report"
	dummyGrant  = "dummy-attestation-granted"
)

// RegisterDummy registers the dummy suite in both roles.
func RegisterDummy(r *Registry) {
	r.RegisterProver(DummyRaID, NewDummyProver, nil)
	r.RegisterVerifier(DummyRaID, NewDummyVerifier, nil)
}

type DummyProver struct {
	l        ProverListener
	in       chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func NewDummyProver(l ProverListener) (ProverDriver, error) {
	return &DummyProver{
		l:    l,
		in:   make(chan []byte, 8),
		done: make(chan struct{}),
	}, nil
}

func (d *DummyProver) Start() {
	go d.run()
}

func (d *DummyProver) run() {
	d.l.OnProverMessage([]byte(dummyReport))
	select {
	case b := <-d.in:
		if string(b) == dummyGrant {
			d.l.OnProverOk()
		} else {
			d.l.OnProverFailed()
		}
	case <-d.done:
	}
}

func (d *DummyProver) Delegate(b []byte) {
	select {
	case d.in <- b:
	case <-d.done:
	}
}

func (d *DummyProver) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

type DummyVerifier struct {
	l        VerifierListener
	in       chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func NewDummyVerifier(l VerifierListener) (VerifierDriver, error) {
	return &DummyVerifier{
		l:    l,
		in:   make(chan []byte, 8),
		done: make(chan struct{}),
	}, nil
}

func (d *DummyVerifier) Start() {
	go d.run()
}

func (d *DummyVerifier) run() {
	select {
	case b := <-d.in:
		if string(b) == dummyReport {
			d.l.OnVerifierMessage([]byte(dummyGrant))
			d.l.OnVerifierOk()
		} else {
			d.l.OnVerifierFailed()
		}
	case <-d.done:
	}
}

func (d *DummyVerifier) Delegate(b []byte) {
	select {
	case d.in <- b:
	case <-d.done:
	}
}

func (d *DummyVerifier) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
