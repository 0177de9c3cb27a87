package core

// PowerState is the provider-reported power state of a vApp or VM.
type PowerState string

const (
	PoweredOn           PowerState = "POWERED_ON"
	PoweredOff          PowerState = "POWERED_OFF"
	Suspended           PowerState = "SUSPENDED"
	Mixed               PowerState = "MIXED" // vApp only: stopped but not undeployed
	PartiallyPoweredOff PowerState = "PARTIALLY_POWERED_OFF"
	PowerUnknown        PowerState = ""
)

// DerivePowerState applies the provider's deployed flag to a raw vApp status.
// A MIXED vApp that is still deployed is reported as PARTIALLY_POWERED_OFF.
func DerivePowerState(status string, deployed bool) PowerState {
	s := PowerState(status)
	if s == Mixed && deployed {
		return PartiallyPoweredOff
	}
	return s
}

// In reports whether s is one of states.
func (s PowerState) In(states ...PowerState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

// Resource is what the provider reports about a vApp or VM.
type Resource struct {
	ID       string
	Name     string
	Type     ObjectType
	ParentID string // owning vApp for a VM, data center for a vApp
	State    PowerState
	Deployed bool
	CPUs     int
	MemoryMB int
}

// Task is the most recent provider-side task for a resource.
type Task struct {
	ID        string
	Status    string // "running", "success", "error", ...
	Operation string // full operation text, e.g. "Powering off Virtual Machine web-1"
}
