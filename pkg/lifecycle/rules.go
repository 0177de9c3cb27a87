package lifecycle

import (
	"github.com/jdziat/vapp-jobs/pkg/core"
)

// Request parameter names.
const (
	ParamNewVAppName     = "new_vapp_name"
	ParamNewTemplateName = "new_template_name"
	ParamCatalogName     = "catalog_name"
	ParamTemplateID      = "template_id"
	ParamTemplateName    = "template_name"
	ParamVMs             = "vms" // comma separated VM names
	ParamVAppName        = "vapp_name"
	ParamPowerOn         = "power_on"
)

type targetKind int

const (
	targetVApp targetKind = iota
	targetVM
	targetTemplate
	targetNewVApp
)

// rule holds the guard configuration of one operation. Message formats take
// the resource name as their first argument.
type rule struct {
	target   targetKind
	busy     string
	eligible []core.PowerState // nil accepts any state
	state    string
	params   []string
	tools    bool
	quota    bool
	accepted string
}

func (r rule) allows(s core.PowerState) bool {
	return r.eligible == nil || s.In(r.eligible...)
}

var notOn = []core.PowerState{core.PoweredOff, core.Suspended, core.Mixed, core.PartiallyPoweredOff}
var notOff = []core.PowerState{core.PoweredOn, core.Suspended, core.Mixed, core.PartiallyPoweredOff}

var rules = map[core.Operation]rule{
	core.OpStartVApp: {
		busy:     "Vapp %s is currently busy and is unable to start",
		eligible: notOn,
		state:    "Vapp %q is already on",
		quota:    true,
		accepted: "You have requested the vApp %q to start",
	},
	core.OpStopVApp: {
		busy:     "Vapp %s is currently busy and is unable to stop",
		eligible: notOff,
		state:    "Vapp %q must be powered on to be stopped",
		accepted: "You have requested the vApp %q to stop",
	},
	core.OpPowerOffVApp: {
		busy:     "Vapp %s is currently busy and is unable to be powered off",
		eligible: notOff,
		state:    "Vapp %q is already powered off.",
		accepted: "You have requested the vApp %q to poweroff",
	},
	core.OpDeleteVApp: {
		busy:     "Vapp %s is currently busy and is unable to be deleted",
		eligible: []core.PowerState{core.PoweredOff, core.Suspended},
		state:    "Vapp %q is not powered off. Please power it off before deleting",
		accepted: "You have requested the vApp %q to delete",
	},
	core.OpPowerOffAndDeleteVApp: {
		busy:     "Vapp %s is currently busy and is unable to be powered off or deleted",
		accepted: "You have requested the vApp %q to be powered off & deleted",
	},
	core.OpRecomposeVApp: {
		busy:     "Vapp %s is currently busy and is unable to be recomposed",
		params:   []string{ParamTemplateID, ParamVMs},
		accepted: "Vapp %s has been added to the queue to be recomposed",
	},
	core.OpRenameVApp: {
		busy:     "Vapp %s is currently busy and is unable to be renamed",
		params:   []string{ParamNewVAppName},
		accepted: "Vapp %s has been placed in the queue and will be renamed soon",
	},
	core.OpRenameVAppTemplate: {
		target:   targetTemplate,
		busy:     "Template %s is currently busy and is unable to be renamed",
		params:   []string{ParamNewTemplateName},
		accepted: "Template %s has been placed in the queue and will be renamed soon",
	},
	core.OpAddVAppToCatalog: {
		busy:     "Vapp %s is currently busy and is unable to be added to a catalog",
		eligible: []core.PowerState{core.PoweredOff},
		state:    "Vapp %q is not powered off. Please power it off before adding it to a catalog",
		params:   []string{ParamCatalogName, ParamNewTemplateName},
		accepted: "vApp %q is being added to catalog %s",
	},
	core.OpStopAndAddVAppToCatalog: {
		busy:     "Vapp %s is currently busy and is unable to be added to a catalog",
		params:   []string{ParamCatalogName, ParamNewTemplateName},
		accepted: "vApp %q is being added to catalog %s",
	},
	core.OpCreateVAppFromTemplate: {
		target:   targetNewVApp,
		busy:     "Vapp %s is currently being created",
		params:   []string{ParamVAppName, ParamCatalogName},
		quota:    true,
		accepted: "vApp %q is being created from template %s",
	},
	core.OpPowerOnVM: {
		target:   targetVM,
		busy:     "%s is currently busy and is unable to be powered on",
		eligible: []core.PowerState{core.PoweredOff, core.Suspended},
		state:    "VM %q is already on",
		accepted: "You have requested the vm %s to start",
	},
	core.OpPowerOffVM: {
		target:   targetVM,
		busy:     "%s is currently busy and is unable to stop",
		eligible: []core.PowerState{core.PoweredOn, core.Suspended},
		state:    "%s must be powered on to be stopped",
		accepted: "You have requested the vm %s to power off",
	},
	core.OpRebootVM: {
		target:   targetVM,
		busy:     "%s is currently busy and is unable to be rebooted",
		eligible: []core.PowerState{core.PoweredOn},
		state:    "%s must be powered on to be rebooted",
		accepted: "You have requested the vm %s to reboot",
	},
	core.OpShutdownVM: {
		target:   targetVM,
		busy:     "%s is currently busy and is unable to stop",
		eligible: []core.PowerState{core.PoweredOn, core.Suspended},
		state:    "%s must be powered on to be Shutdown",
		tools:    true,
		accepted: "you have requested the vm %s to shutdown",
	},
	core.OpDeleteVM: {
		target:   targetVM,
		busy:     "%s is currently busy and cannot be deleted",
		eligible: []core.PowerState{core.PoweredOff, core.Suspended},
		state:    "Please power off %q before deleting.",
		accepted: "You have requested the vm: %s to be deleted.",
	},
}
