package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/dispatch"
	"github.com/jdziat/vapp-jobs/pkg/jobctx"
	"github.com/jdziat/vapp-jobs/pkg/provider"
)

// Handlers performs operations against the provider inside worker jobs.
type Handlers struct {
	provider    Caller
	logger      *slog.Logger
	taskTimeout time.Duration
	taskPoll    time.Duration
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithTaskPolling sets how long and how often provider tasks are polled.
func WithTaskPolling(timeout, poll time.Duration) HandlerOption {
	return func(h *Handlers) {
		if timeout > 0 {
			h.taskTimeout = timeout
		}
		if poll > 0 {
			h.taskPoll = poll
		}
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandlers creates the operation handlers.
func NewHandlers(p Caller, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		provider:    p,
		logger:      slog.Default(),
		taskTimeout: provider.DefaultTaskTimeout,
		taskPoll:    provider.DefaultTaskPoll,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterHandlers installs a handler for every operation on d.
func RegisterHandlers(d *dispatch.Dispatcher, p Caller, opts ...HandlerOption) *Handlers {
	h := NewHandlers(p, opts...)
	for op, fn := range h.funcs() {
		d.Handle(op, fn)
	}
	return h
}

func (h *Handlers) funcs() map[core.Operation]dispatch.HandlerFunc {
	return map[core.Operation]dispatch.HandlerFunc{
		core.OpStartVApp:               h.powerOp(provider.PowerOn),
		core.OpStopVApp:                h.powerOp(provider.Shutdown),
		core.OpPowerOffVApp:            h.powerOp(provider.PowerOff),
		core.OpDeleteVApp:              h.deleteResource,
		core.OpPowerOffAndDeleteVApp:   h.powerOffAndDelete,
		core.OpRecomposeVApp:           h.recompose,
		core.OpRenameVApp:              h.rename(ParamNewVAppName),
		core.OpRenameVAppTemplate:      h.rename(ParamNewTemplateName),
		core.OpAddVAppToCatalog:        h.capture(false),
		core.OpStopAndAddVAppToCatalog: h.capture(true),
		core.OpCreateVAppFromTemplate:  h.createFromTemplate,
		core.OpPowerOnVM:               h.powerOp(provider.PowerOn),
		core.OpPowerOffVM:              h.powerOp(provider.PowerOff),
		core.OpRebootVM:                h.powerOp(provider.Reset),
		core.OpShutdownVM:              h.powerOp(provider.Shutdown),
		core.OpDeleteVM:                h.deleteResource,
	}
}

// Handler returns the handler of op.
func (h *Handlers) Handler(op core.Operation) dispatch.HandlerFunc {
	return h.funcs()[op]
}

// run submits work and waits for its task. Submission and polling are
// retried separately so a lost poll never submits the work twice.
func (h *Handlers) run(ctx context.Context, submit func(api provider.API) (provider.TaskHandle, error)) error {
	var task provider.TaskHandle
	err := h.provider.Do(ctx, func(api provider.API) error {
		var err error
		task, err = submit(api)
		return err
	})
	if err != nil {
		return err
	}
	return h.provider.Do(ctx, func(api provider.API) error {
		return provider.Await(ctx, api, task, h.taskTimeout, h.taskPoll)
	})
}

func (h *Handlers) powerOp(op provider.PowerOp) dispatch.HandlerFunc {
	return func(ctx context.Context, p core.Payload) error {
		h.logger.InfoContext(ctx, "power operation", "resource_id", p.ResourceID, "op", op,
			"job_id", jobctx.JobIDFromContext(ctx), "attempt", jobctx.Attempt(ctx))
		return h.power(ctx, p.ResourceID, op)
	}
}

func (h *Handlers) power(ctx context.Context, id string, op provider.PowerOp) error {
	return h.run(ctx, func(api provider.API) (provider.TaskHandle, error) {
		return api.SubmitPowerOperation(ctx, id, op)
	})
}

// powerOffIfNeeded forces id off unless it already is.
func (h *Handlers) powerOffIfNeeded(ctx context.Context, id string) error {
	var state core.PowerState
	err := h.provider.Do(ctx, func(api provider.API) error {
		var err error
		state, err = api.PowerState(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	if state == core.PoweredOff {
		return nil
	}
	return h.power(ctx, id, provider.PowerOff)
}

func (h *Handlers) deleteResource(ctx context.Context, p core.Payload) error {
	return h.run(ctx, func(api provider.API) (provider.TaskHandle, error) {
		return api.Delete(ctx, p.ResourceID)
	})
}

func (h *Handlers) powerOffAndDelete(ctx context.Context, p core.Payload) error {
	if err := h.powerOffIfNeeded(ctx, p.ResourceID); err != nil {
		return err
	}
	return h.deleteResource(ctx, p)
}

// recompose replaces the named VMs from the template and powers the vApp on.
func (h *Handlers) recompose(ctx context.Context, p core.Payload) error {
	var vms []string
	for _, vm := range strings.Split(p.Param(ParamVMs), ",") {
		if vm = strings.TrimSpace(vm); vm != "" {
			vms = append(vms, vm)
		}
	}
	if len(vms) == 0 {
		return core.NoRetry(fmt.Errorf("recompose %s: no VMs selected", p.ResourceID))
	}
	err := h.run(ctx, func(api provider.API) (provider.TaskHandle, error) {
		return api.Recompose(ctx, p.ResourceID, p.Param(ParamTemplateID), vms)
	})
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "recompose completed, powering on", "resource_id", p.ResourceID)
	return h.power(ctx, p.ResourceID, provider.PowerOn)
}

func (h *Handlers) rename(key string) dispatch.HandlerFunc {
	return func(ctx context.Context, p core.Payload) error {
		name := p.Param(key)
		if name == "" {
			return core.NoRetry(fmt.Errorf("rename %s: missing %s", p.ResourceID, key))
		}
		return h.run(ctx, func(api provider.API) (provider.TaskHandle, error) {
			return api.Rename(ctx, p.ResourceID, name)
		})
	}
}

func (h *Handlers) capture(stopFirst bool) dispatch.HandlerFunc {
	return func(ctx context.Context, p core.Payload) error {
		if stopFirst {
			if err := h.powerOffIfNeeded(ctx, p.ResourceID); err != nil {
				return err
			}
		}
		return h.run(ctx, func(api provider.API) (provider.TaskHandle, error) {
			return api.Capture(ctx, p.ResourceID, p.Param(ParamCatalogName), p.Param(ParamNewTemplateName))
		})
	}
}

// createFromTemplate instantiates the vApp powered off and then powers it
// on when asked. A retried job that finds the vApp already present gives up:
// the provider created it but could not bring it up.
func (h *Handlers) createFromTemplate(ctx context.Context, p core.Payload) error {
	name := p.Param(ParamVAppName)
	template := p.Param(ParamTemplateName)
	if template == "" {
		template = p.ResourceID
	}

	if jobctx.Attempt(ctx) > 1 {
		var exists bool
		err := h.provider.Do(ctx, func(api provider.API) error {
			var err error
			exists, err = api.VAppExists(ctx, p.ParentID, name)
			return err
		})
		if err != nil {
			return err
		}
		if exists {
			return core.NoRetry(fmt.Errorf(
				"vApp %s from template %s exists but could not be brought up, please contact an administrator", name, template))
		}
	}

	var vappID string
	err := h.run(ctx, func(api provider.API) (provider.TaskHandle, error) {
		id, task, err := api.Instantiate(ctx, p.ParentID, p.Param(ParamCatalogName), template, name)
		vappID = id
		return task, err
	})
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "vApp instantiated", "vapp_id", vappID, "name", name, "template", template)

	if on, _ := strconv.ParseBool(p.Param(ParamPowerOn)); !on {
		return nil
	}
	return h.power(ctx, vappID, provider.PowerOn)
}
