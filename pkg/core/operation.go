package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the closed set of lifecycle operations the core can dispatch.
type Operation int

const (
	OpStartVApp Operation = iota + 1
	OpStopVApp
	OpPowerOffVApp
	OpDeleteVApp
	OpPowerOffAndDeleteVApp
	OpRecomposeVApp
	OpRenameVApp
	OpRenameVAppTemplate
	OpAddVAppToCatalog
	OpStopAndAddVAppToCatalog
	OpCreateVAppFromTemplate
	OpPowerOnVM
	OpPowerOffVM
	OpRebootVM
	OpShutdownVM
	OpDeleteVM

	opSentinel
)

// OperationSpec describes the static properties of an Operation.
type OperationSpec struct {
	// Name is the external operation name used at the API boundary and as
	// the job type in the worker-side store.
	Name string
	// Policy is the retry policy row consulted at submission time.
	Policy string
	Object ObjectType
	// Busy is the operator-facing description stored in the busy registry.
	Busy string
	// SkipEndEvent suppresses the End event on success.
	SkipEndEvent bool
}

var operationSpecs = [opSentinel]OperationSpec{
	OpStartVApp:               {Name: "start_vapp", Policy: "start_vapp", Object: ObjectVApp, Busy: "Starting"},
	OpStopVApp:                {Name: "stop_vapp", Policy: "stop_vapp", Object: ObjectVApp, Busy: "Stopping"},
	OpPowerOffVApp:            {Name: "poweroff_vapp", Policy: "poweroff_vapp", Object: ObjectVApp, Busy: "Powering Off"},
	OpDeleteVApp:              {Name: "delete_vapp", Policy: "delete_vapp", Object: ObjectVApp, Busy: "Deleting"},
	OpPowerOffAndDeleteVApp:   {Name: "poweroff_and_delete_vapp", Policy: "poweroff_and_delete_vapp", Object: ObjectVApp, Busy: "Powering Off & Deleting"},
	OpRecomposeVApp:           {Name: "recompose_vapp", Policy: "recompose_vapp", Object: ObjectVApp, Busy: "Recomposing"},
	OpRenameVApp:              {Name: "rename_vapp", Policy: "rename_vapp", Object: ObjectVApp, Busy: "Renaming"},
	OpRenameVAppTemplate:      {Name: "vapp_templates_rename", Policy: "rename_vapp", Object: ObjectVApp, Busy: "Renaming Template", SkipEndEvent: true},
	OpAddVAppToCatalog:        {Name: "add_to_catalog_vapp", Policy: "add_to_catalog_vapp", Object: ObjectVApp, Busy: "Adding To Catalog"},
	OpStopAndAddVAppToCatalog: {Name: "stop_and_add_to_catalog_vapp", Policy: "add_to_catalog_vapp", Object: ObjectVApp, Busy: "Adding To Catalog"},
	OpCreateVAppFromTemplate:  {Name: "create_from_template_vapp", Policy: "create_from_template_vapp", Object: ObjectVApp, Busy: "Creating"},
	OpPowerOnVM:               {Name: "power_on_vm", Policy: "power_on_vm", Object: ObjectVM, Busy: "Powering on"},
	OpPowerOffVM:              {Name: "power_off_vm", Policy: "power_off_vm", Object: ObjectVM, Busy: "Powering off"},
	OpRebootVM:                {Name: "reboot_vm", Policy: "reboot_vm", Object: ObjectVM, Busy: "Rebooting"},
	OpShutdownVM:              {Name: "shutdown_vm", Policy: "shutdown_vm", Object: ObjectVM, Busy: "Shutting Down"},
	OpDeleteVM:                {Name: "delete_vm", Policy: "delete_vm", Object: ObjectVM, Busy: "Deleting"},
}

var operationsByName = func() map[string]Operation {
	m := make(map[string]Operation, len(operationSpecs))
	for op := OpStartVApp; op < opSentinel; op++ {
		m[operationSpecs[op].Name] = op
	}
	return m
}()

// Operations returns every defined operation in declaration order.
func Operations() []Operation {
	ops := make([]Operation, 0, int(opSentinel)-1)
	for op := OpStartVApp; op < opSentinel; op++ {
		ops = append(ops, op)
	}
	return ops
}

// ParseOperation maps an external operation name to its Operation.
func ParseOperation(name string) (Operation, error) {
	op, ok := operationsByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	return op, nil
}

// Valid reports whether op is a defined operation.
func (op Operation) Valid() bool {
	return op >= OpStartVApp && op < opSentinel
}

// Spec returns the static description of op. It panics on an undefined op.
func (op Operation) Spec() OperationSpec {
	if !op.Valid() {
		panic(fmt.Sprintf("core: undefined operation %d", int(op)))
	}
	return operationSpecs[op]
}

func (op Operation) String() string {
	if !op.Valid() {
		return fmt.Sprintf("Operation(%d)", int(op))
	}
	return operationSpecs[op].Name
}

// MarshalText encodes the operation by its external name.
func (op Operation) MarshalText() ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOperation, int(op))
	}
	return []byte(op.String()), nil
}

// UnmarshalText decodes an external operation name.
func (op *Operation) UnmarshalText(b []byte) error {
	parsed, err := ParseOperation(string(b))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// Payload is the input snapshot carried by a job and recorded on its events.
type Payload struct {
	Operation   Operation         `json:"operation"`
	ResourceID  string            `json:"resource_id"`
	LockID      string            `json:"lock_id,omitempty"`
	ParentID    string            `json:"parent_id,omitempty"`
	ObjectType  ObjectType        `json:"object_type"`
	UserID      *uint             `json:"user_id,omitempty"`
	IsAPI       bool              `json:"is_api"`
	RequestHost string            `json:"request_host,omitempty"`
	Created     time.Time         `json:"created"`
	Params      map[string]string `json:"params,omitempty"`
}

// BusyID returns the busy registry key held for the operation: LockID when
// set, otherwise the resource id.
func (p Payload) BusyID() string {
	if p.LockID != "" {
		return p.LockID
	}
	return p.ResourceID
}

// Param returns a named extra parameter, or "".
func (p Payload) Param(key string) string {
	if p.Params == nil {
		return ""
	}
	return p.Params[key]
}

// Snapshot serializes the payload for Event.FunctionParameters.
func (p Payload) Snapshot() string {
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}
