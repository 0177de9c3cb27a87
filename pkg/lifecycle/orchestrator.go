package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/provider"
	"github.com/jdziat/vapp-jobs/pkg/security"
)

// Caller runs provider calls. *provider.Conn implements it.
type Caller interface {
	Do(ctx context.Context, fn func(provider.API) error) error
}

// Busy is the busy registry as seen by the orchestrator.
type Busy interface {
	Claim(ctx context.Context, id, description string) (bool, error)
	Release(ctx context.Context, id string) error
	IsBusy(ctx context.Context, id string) (bool, error)
	IsAnyBusy(ctx context.Context, vappID string) (bool, error)
	Describe(ctx context.Context, id string) (string, bool, error)
}

// Submitter enqueues an accepted operation. *dispatch.Dispatcher implements
// it.
type Submitter interface {
	Submit(ctx context.Context, p core.Payload) (string, error)
}

// QuotaChecker evaluates the data center quota. *quota.Checker implements it.
type QuotaChecker interface {
	AllowPowerOn(ctx context.Context, vdcID, name string, need provider.Resources) error
	AllowCreate(ctx context.Context, vdcID, name, template string, powerOn bool) error
}

// Observer is told the result of every request: "accepted", "rejected" or
// "error".
type Observer interface {
	OperationRequested(op core.Operation, result string)
}

// Request asks for one lifecycle operation.
type Request struct {
	Operation  core.Operation
	ResourceID string
	// ParentID is the owning vApp of a VM, or the data center of a vApp to
	// be created.
	ParentID    string
	User        string
	IsAPI       bool
	RequestHost string
	Params      map[string]string
}

// Decision is the synchronous answer to a Request.
type Decision struct {
	Accepted bool
	JobID    string
	// Operation is the operation submitted, which may differ from the one
	// requested.
	Operation core.Operation
	Message   string
	Rejection *core.Rejection
}

// Orchestrator runs the guard, claim, record and submit sequence.
type Orchestrator struct {
	provider Caller
	busy     Busy
	events   core.EventStore
	submit   Submitter
	quota    QuotaChecker
	users    core.UserStore
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQuota enables the quota guards.
func WithQuota(q QuotaChecker) Option {
	return func(o *Orchestrator) { o.quota = q }
}

// WithUsers resolves request users to account records stamped on events.
func WithUsers(u core.UserStore) Option {
	return func(o *Orchestrator) { o.users = u }
}

// WithObserver registers a request observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator.
func New(p Caller, busy Busy, events core.EventStore, submit Submitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: p,
		busy:     busy,
		events:   events,
		submit:   submit,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// target is what the guards learned about the requested resource.
type target struct {
	name   string
	state  core.PowerState
	vdcID  string
	size   provider.Resources
	lockID string
}

// RequestOperation evaluates the guards of req and, when they pass, claims
// the resource and submits the job. A failed guard is reported as a rejected
// Decision with a nil error. Errors mean the request could not be evaluated
// or recorded; a busy registry error is one of them and no Event is written.
func (o *Orchestrator) RequestOperation(ctx context.Context, req Request) (Decision, error) {
	d, err := o.request(ctx, req)
	if o.observer != nil {
		result := "accepted"
		switch {
		case err != nil:
			result = "error"
		case !d.Accepted:
			result = "rejected"
		}
		o.observer.OperationRequested(req.Operation, result)
	}
	return d, err
}

func (o *Orchestrator) request(ctx context.Context, req Request) (Decision, error) {
	if !req.Operation.Valid() {
		return Decision{}, fmt.Errorf("%w: %d", core.ErrUnknownOperation, int(req.Operation))
	}
	if err := security.ValidateResourceID(req.ResourceID); err != nil {
		return Decision{}, err
	}
	r := rules[req.Operation]
	log := o.logger.With("operation", req.Operation.String(), "resource_id", req.ResourceID, "user", req.User)

	t, rej := o.resolve(ctx, req, r)
	if rej != nil {
		return o.reject(log, req.Operation, rej), nil
	}

	busy, err := o.isBusy(ctx, req, r, t)
	if err != nil {
		return Decision{}, err
	}
	if busy {
		return o.reject(log, req.Operation, core.Reject(core.RejectBusy, r.busy, t.name)), nil
	}

	if rej := o.checkState(ctx, req, r, t); rej != nil {
		return o.reject(log, req.Operation, rej), nil
	}

	if rej := o.checkQuota(ctx, req, r, t); rej != nil {
		return o.reject(log, req.Operation, rej), nil
	}

	op := req.Operation
	if op == core.OpStopVApp && t.state == core.Mixed {
		// A MIXED vApp is stopped but still deployed; only a power off
		// undeploys it.
		op = core.OpPowerOffVApp
	}
	return o.accept(ctx, log, req, op, r, t)
}

func (o *Orchestrator) reject(log *slog.Logger, op core.Operation, rej *core.Rejection) Decision {
	log.Info("operation rejected", "reason", rej.Reason, "message", rej.Message)
	return Decision{Operation: op, Message: rej.Message, Rejection: rej}
}

// resolve looks up the resource at the provider.
func (o *Orchestrator) resolve(ctx context.Context, req Request, r rule) (target, *core.Rejection) {
	var t target
	switch r.target {
	case targetTemplate:
		err := o.provider.Do(ctx, func(api provider.API) error {
			var err error
			t.size, err = api.TemplateResources(ctx, req.ResourceID)
			return err
		})
		if err != nil {
			o.logger.Warn("template lookup failed", "resource_id", req.ResourceID, "error", err)
			return t, core.Reject(core.RejectUnresolvable,
				"Could not retrieve template %s. Please contact an Administrator", req.ResourceID)
		}
		t.name = req.ResourceID
		return t, nil

	case targetNewVApp:
		name := param(req, ParamVAppName)
		if req.ParentID == "" || name == "" {
			return t, core.Reject(core.RejectUnresolvable,
				"A data center and a vApp name are required to create a vApp from template %s", req.ResourceID)
		}
		template := templateOf(req)
		err := o.provider.Do(ctx, func(api provider.API) error {
			var err error
			t.size, err = api.TemplateResources(ctx, template)
			return err
		})
		if err != nil {
			o.logger.Warn("template lookup failed", "template", template, "error", err)
			return t, core.Reject(core.RejectUnresolvable,
				"Could not retrieve template %s. Please contact an Administrator", template)
		}
		t.name = name
		t.vdcID = req.ParentID
		t.lockID = req.ParentID + "/" + name
		return t, nil
	}

	var res *core.Resource
	err := o.provider.Do(ctx, func(api provider.API) error {
		var err error
		res, err = api.Resolve(ctx, req.ResourceID)
		return err
	})
	if err == nil && r.target == targetVM && req.ParentID != "" && res.ParentID != req.ParentID {
		err = fmt.Errorf("%w: vm %s is not in vApp %s", core.ErrNotFound, req.ResourceID, req.ParentID)
	}
	if err != nil {
		o.logger.Warn("resource lookup failed", "resource_id", req.ResourceID, "error", err)
		if r.target == targetVM {
			return t, core.Reject(core.RejectUnresolvable,
				"Error getting vm details, please contact an Administrator")
		}
		return t, core.Reject(core.RejectUnresolvable,
			"Error getting details for vApp %s. Please contact an Administrator", req.ResourceID)
	}
	t.name = res.Name
	t.state = res.State
	t.vdcID = res.ParentID
	t.size = provider.Resources{CPUs: res.CPUs, MemoryMB: res.MemoryMB}
	return t, nil
}

// isBusy applies the registry asymmetry: a vApp is busy when it or any of
// its VMs is, a VM only when it is itself.
func (o *Orchestrator) isBusy(ctx context.Context, req Request, r rule, t target) (bool, error) {
	switch r.target {
	case targetVApp:
		return o.busy.IsAnyBusy(ctx, req.ResourceID)
	case targetNewVApp:
		return o.busy.IsBusy(ctx, t.lockID)
	default:
		return o.busy.IsBusy(ctx, req.ResourceID)
	}
}

func (o *Orchestrator) checkState(ctx context.Context, req Request, r rule, t target) *core.Rejection {
	for _, key := range r.params {
		if param(req, key) == "" {
			if key == ParamVMs {
				return core.Reject(core.RejectInvalid, "You must select at least 1 Vm to recompose")
			}
			return core.Reject(core.RejectInvalid, "Missing %s for %s", key, t.name)
		}
	}

	if !r.allows(t.state) {
		return core.Reject(core.RejectState, r.state, t.name)
	}

	if r.tools {
		var installed bool
		err := o.provider.Do(ctx, func(api provider.API) error {
			var err error
			installed, err = api.GuestToolsInstalled(ctx, req.ResourceID)
			return err
		})
		if err != nil {
			o.logger.Warn("guest tools lookup failed", "resource_id", req.ResourceID, "error", err)
		}
		if err != nil || !installed {
			return core.Reject(core.RejectGuestTools,
				"%s can not perform a Guest shutdown because VMWare Tools is not installed on this VM", t.name)
		}
	}

	switch req.Operation {
	case core.OpRenameVApp:
		newName := param(req, ParamNewVAppName)
		if strings.EqualFold(newName, t.name) {
			return core.Reject(core.RejectInvalid,
				"New Vapp Name : '%s' and Current Vapp Name : '%s' must differ", newName, t.name)
		}
		return o.checkUniqueName(ctx, t.vdcID, newName)
	case core.OpCreateVAppFromTemplate:
		if _, err := strconv.ParseBool(powerOnParam(req)); err != nil {
			return core.Reject(core.RejectInvalid, "Invalid %s value %q", ParamPowerOn, param(req, ParamPowerOn))
		}
		return o.checkUniqueName(ctx, t.vdcID, t.name)
	}
	return nil
}

func (o *Orchestrator) checkUniqueName(ctx context.Context, vdcID, name string) *core.Rejection {
	var exists bool
	err := o.provider.Do(ctx, func(api provider.API) error {
		var err error
		exists, err = api.VAppExists(ctx, vdcID, name)
		return err
	})
	if err != nil {
		o.logger.Warn("vApp name lookup failed", "name", name, "error", err)
		return core.Reject(core.RejectUnresolvable,
			"An error occurred while checking if the vApp name %s is unique. Please contact an Administrator", name)
	}
	if exists {
		return core.Reject(core.RejectInvalid, "Vapp with name %s already exists", name)
	}
	return nil
}

func (o *Orchestrator) checkQuota(ctx context.Context, req Request, r rule, t target) *core.Rejection {
	if !r.quota || o.quota == nil {
		return nil
	}
	var err error
	if req.Operation == core.OpCreateVAppFromTemplate {
		powerOn, _ := strconv.ParseBool(powerOnParam(req))
		err = o.quota.AllowCreate(ctx, t.vdcID, t.name, templateOf(req), powerOn)
	} else {
		err = o.quota.AllowPowerOn(ctx, t.vdcID, t.name, t.size)
	}
	if err == nil {
		return nil
	}
	if rej, ok := core.AsRejection(err); ok {
		return rej
	}
	o.logger.Warn("quota check failed", "resource_id", req.ResourceID, "error", err)
	return core.Reject(core.RejectUnresolvable,
		"Unable to check the quota for vApp %s. Please contact an Administrator", t.name)
}

// accept claims the resource, writes the Start event and submits the job.
// The claim is released when the event or the submission fails.
func (o *Orchestrator) accept(ctx context.Context, log *slog.Logger, req Request, op core.Operation, r rule, t target) (Decision, error) {
	spec := op.Spec()
	p := core.Payload{
		Operation:   op,
		ResourceID:  req.ResourceID,
		LockID:      t.lockID,
		ParentID:    req.ParentID,
		ObjectType:  spec.Object,
		IsAPI:       req.IsAPI,
		RequestHost: req.RequestHost,
		Created:     o.now().UTC(),
		Params:      req.Params,
	}
	if req.Operation == core.OpCreateVAppFromTemplate {
		p.Params = withParam(req.Params, ParamTemplateName, templateOf(req))
	}

	if o.users != nil && req.User != "" {
		u, err := o.users.EnsureUser(ctx, req.User)
		if err != nil {
			return Decision{}, fmt.Errorf("lifecycle: resolve user %q: %w", req.User, err)
		}
		p.UserID = &u.ID
	}

	claimed, err := o.busy.Claim(ctx, p.BusyID(), spec.Busy)
	if err != nil {
		return Decision{}, err
	}
	if !claimed {
		return o.reject(log, req.Operation, core.Reject(core.RejectBusy, r.busy, t.name)), nil
	}

	start := &core.Event{
		UserID:             p.UserID,
		FunctionName:       spec.Name,
		IsAPI:              p.IsAPI,
		FunctionParameters: p.Snapshot(),
		ObjectType:         p.ObjectType,
		ResourceID:         p.ResourceID,
		Created:            p.Created,
		EventStage:         core.StageStart,
		RequestHost:        p.RequestHost,
	}
	if err := o.events.CreateEvent(ctx, start); err != nil {
		o.release(ctx, log, p)
		return Decision{}, fmt.Errorf("lifecycle: write start event: %w", err)
	}

	jobID, err := o.submit.Submit(ctx, p)
	if err != nil {
		o.release(ctx, log, p)
		start.Outcome = core.OutcomeFailed
		start.Message = security.SanitizeErrorMessage(err.Error())
		if serr := o.events.SaveEvent(ctx, start); serr != nil {
			log.Error("failed to settle start event", "error", serr)
		}
		return Decision{}, err
	}

	if start.JobID == "" {
		start.JobID = jobID
		if err := o.events.SaveEvent(ctx, start); err != nil {
			log.Warn("failed to stamp job id on start event", "job_id", jobID, "error", err)
		}
	}

	msg := acceptedMessage(req, op, r, t)
	log.Info("operation accepted", "job_id", jobID, "submitted", spec.Name)
	return Decision{Accepted: true, JobID: jobID, Operation: op, Message: msg}, nil
}

func (o *Orchestrator) release(ctx context.Context, log *slog.Logger, p core.Payload) {
	if err := o.busy.Release(ctx, p.BusyID()); err != nil {
		log.Error("failed to release busy entry", "error", err)
	}
}

func acceptedMessage(req Request, op core.Operation, r rule, t target) string {
	if op != req.Operation {
		r = rules[op]
	}
	switch op {
	case core.OpAddVAppToCatalog, core.OpStopAndAddVAppToCatalog:
		return fmt.Sprintf(r.accepted, t.name, param(req, ParamCatalogName))
	case core.OpCreateVAppFromTemplate:
		return fmt.Sprintf(r.accepted, t.name, templateOf(req))
	}
	return fmt.Sprintf(r.accepted, t.name)
}

// BusyStatus is the registry entry of a resource.
type BusyStatus struct {
	Busy        bool   `json:"busy"`
	Description string `json:"description,omitempty"`
}

// BusyStatus reports whether id is busy and what it is doing.
func (o *Orchestrator) BusyStatus(ctx context.Context, id string) (BusyStatus, error) {
	desc, ok, err := o.busy.Describe(ctx, id)
	if err != nil {
		return BusyStatus{}, err
	}
	return BusyStatus{Busy: ok, Description: desc}, nil
}

// VAppOrAnyVMBusy reports whether the vApp or any of its VMs is busy.
func (o *Orchestrator) VAppOrAnyVMBusy(ctx context.Context, vappID string) (bool, error) {
	return o.busy.IsAnyBusy(ctx, vappID)
}

// TaskSummary returns a short description of the running provider task of
// id.
func (o *Orchestrator) TaskSummary(ctx context.Context, id string) (string, error) {
	var task *core.Task
	err := o.provider.Do(ctx, func(api provider.API) error {
		var err error
		task, err = api.RecentTask(ctx, id)
		return err
	})
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return "", fmt.Errorf("lifecycle: recent task of %s: %w", id, err)
	}
	return provider.TaskSummary(task), nil
}

func param(req Request, key string) string {
	if req.Params == nil {
		return ""
	}
	return strings.TrimSpace(req.Params[key])
}

func templateOf(req Request) string {
	if name := param(req, ParamTemplateName); name != "" {
		return name
	}
	return req.ResourceID
}

func powerOnParam(req Request) string {
	if v := param(req, ParamPowerOn); v != "" {
		return v
	}
	return "false"
}

func withParam(params map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[key] = value
	return out
}
