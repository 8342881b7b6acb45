package orchestrator

// Phase is a state of a deployment or teardown.
type Phase string

const (
	PhasePlanning             Phase = "PLANNING"
	PhaseProvisioningNetworks Phase = "PROVISIONING_NETWORKS"
	PhaseProvisioningUnits    Phase = "PROVISIONING_UNITS"
	PhaseSelectTargets        Phase = "SELECT_TARGETS"
	PhaseDeleteUnits          Phase = "DELETE_UNITS"
	PhaseDeleteNetworks       Phase = "DELETE_NETWORKS"
	PhaseDone                 Phase = "DONE"

	// PhaseFailed is absorbing: no transition leaves it.
	PhaseFailed Phase = "FAILED"
)

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

// Transition reports that an operation on a lab entered a phase.
type Transition struct {
	// Op is "deploy", "undeploy" or "wipe".
	Op      string
	LabHash string
	Phase   Phase

	// Err is set when Phase is PhaseFailed.
	Err error
}

// tracker emits the transitions of one operation.
type tracker struct {
	o       *Orchestrator
	op      string
	labHash string
	phase   Phase
}

func (t *tracker) enter(p Phase) {
	if t.phase == PhaseFailed {
		return
	}
	t.phase = p
	t.o.log.Debug("Phase transition", "op", t.op, "lab_hash", t.labHash, "phase", p)
	if t.o.onTransition != nil {
		t.o.onTransition(Transition{Op: t.op, LabHash: t.labHash, Phase: p})
	}
}

// fail moves to PhaseFailed and returns err.
func (t *tracker) fail(err error) error {
	if t.phase == PhaseFailed {
		return err
	}
	t.phase = PhaseFailed
	t.o.log.Error("Operation failed", "op", t.op, "lab_hash", t.labHash, "error", err)
	if t.o.onTransition != nil {
		t.o.onTransition(Transition{Op: t.op, LabHash: t.labHash, Phase: PhaseFailed, Err: err})
	}
	return err
}
