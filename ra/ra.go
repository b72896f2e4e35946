// Package ra defines the pluggable remote attestation driver contract
// and the registry the connection layer starts drivers from. Each peer
// runs both roles at once: a prover answering the remote verifier, and
// a verifier interrogating the remote prover.
package ra

import "github.com/pkg/errors"

var (
	ErrUnknownDriver = errors.New("unknown ra driver")
	ErrDriverStart   = errors.New("ra driver start failed")
)

// ProverDriver is a long-lived attestation worker. Start must not
// block: the driver runs its own worker and reports through the
// listener it was constructed with. Stop is idempotent and prompt.
type ProverDriver interface {
	Start()
	// Delegate forwards a frame originated by the remote verifier.
	// It may be called concurrently with the driver's own worker.
	Delegate(b []byte)
	Stop()
}

// VerifierDriver mirrors ProverDriver for the verifying role;
// Delegate forwards frames from the remote prover.
type VerifierDriver interface {
	Start()
	Delegate(b []byte)
	Stop()
}

// ProverListener is the driver's capability back into the connection.
// It never owns the connection; stale callbacks after Stop are
// discarded by the receiver.
type ProverListener interface {
	OnProverMessage(b []byte)
	OnProverOk()
	OnProverFailed()
}

type VerifierListener interface {
	OnVerifierMessage(b []byte)
	OnVerifierOk()
	OnVerifierFailed()
}

type ProverFactory func(ProverListener) (ProverDriver, error)

type VerifierFactory func(VerifierListener) (VerifierDriver, error)

// Configurable is implemented by drivers that accept a driver-specific
// configuration value registered alongside their factory.
type Configurable interface {
	SetConfig(cfg interface{}) error
}
