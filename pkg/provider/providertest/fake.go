// Package providertest provides an in-memory provider for tests and local
// runs.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/provider"
)

// Call records one API call.
type Call struct {
	Method string
	ID     string
	Arg    string
}

type task struct {
	status  provider.TaskStatus
	detail  string
	pending int
	apply   func()
}

// Fake is an in-memory provider.API. Submitted work runs when its task is
// first polled to a terminal status, so power state changes are visible only
// after Await returns.
type Fake struct {
	mu        sync.Mutex
	resources map[string]*core.Resource
	children  map[string][]string
	tools     map[string]bool
	recent    map[string]*core.Task
	templates map[string]provider.Resources
	tasks     map[provider.TaskHandle]*task
	errs      map[string][]error
	outcomes  []provider.TaskStatus
	polls     int
	calls     []Call
	dials     int
	seq       int
}

var _ provider.API = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		resources: make(map[string]*core.Resource),
		children:  make(map[string][]string),
		tools:     make(map[string]bool),
		recent:    make(map[string]*core.Task),
		templates: make(map[string]provider.Resources),
		tasks:     make(map[provider.TaskHandle]*task),
		errs:      make(map[string][]error),
	}
}

// Dialer returns a dialer that hands out f and counts dials.
func (f *Fake) Dialer() provider.Dialer {
	return func(context.Context) (provider.API, error) {
		f.mu.Lock()
		f.dials++
		f.mu.Unlock()
		return f, nil
	}
}

// Dials returns how many sessions were opened.
func (f *Fake) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// AddVApp registers a vApp. ParentID is its data center.
func (f *Fake) AddVApp(r core.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.Type = core.ObjectVApp
	f.resources[r.ID] = &r
}

// AddVM registers a VM under vappID and adds its resources to the vApp.
func (f *Fake) AddVM(vappID string, r core.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.Type = core.ObjectVM
	r.ParentID = vappID
	f.resources[r.ID] = &r
	f.children[vappID] = append(f.children[vappID], r.ID)
	if parent, ok := f.resources[vappID]; ok {
		parent.CPUs += r.CPUs
		parent.MemoryMB += r.MemoryMB
	}
}

// SetState overrides the power state of a resource.
func (f *Fake) SetState(id string, state core.PowerState, deployed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.resources[id]; ok {
		r.State = state
		r.Deployed = deployed
	}
}

// SetGuestTools records whether a VM has guest tools installed.
func (f *Fake) SetGuestTools(vmID string, installed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools[vmID] = installed
}

// SetRecentTask sets the task RecentTask reports for id.
func (f *Fake) SetRecentTask(id string, t core.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent[id] = &t
}

// AddTemplate registers a catalog template and its size.
func (f *Fake) AddTemplate(name string, r provider.Resources) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[name] = r
}

// FailNext makes the next calls of method return errs, one per call.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = append(f.errs[method], errs...)
}

// NextTasks scripts the terminal status of the next submitted tasks.
// Unscripted tasks succeed.
func (f *Fake) NextTasks(statuses ...provider.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, statuses...)
}

// SetPolls sets how many polls a new task reports running before it ends.
func (f *Fake) SetPolls(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = n
}

// Resource returns a copy of a registered resource.
func (f *Fake) Resource(id string) (core.Resource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[id]
	if !ok {
		return core.Resource{}, false
	}
	return *r, true
}

// Calls returns the recorded calls of method, or all calls when method is
// empty.
func (f *Fake) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// enter records a call and pops a scripted error. The caller holds f.mu.
func (f *Fake) enter(method, id, arg string) error {
	f.calls = append(f.calls, Call{Method: method, ID: id, Arg: arg})
	if errs := f.errs[method]; len(errs) > 0 {
		f.errs[method] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *Fake) lookup(id string) (*core.Resource, error) {
	r, ok := f.resources[id]
	if !ok {
		return nil, fmt.Errorf("%w: resource %q", core.ErrNotFound, id)
	}
	return r, nil
}

// submit creates a task that runs apply when it ends in success.
func (f *Fake) submit(apply func()) provider.TaskHandle {
	f.seq++
	h := provider.TaskHandle(fmt.Sprintf("task-%d", f.seq))
	status := provider.TaskSuccess
	if len(f.outcomes) > 0 {
		status = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}
	t := &task{status: status, pending: f.polls, apply: apply}
	if status != provider.TaskSuccess {
		t.detail = "scripted failure"
	}
	f.tasks[h] = t
	return h
}

func (f *Fake) PowerState(_ context.Context, id string) (core.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PowerState", id, ""); err != nil {
		return core.PowerUnknown, err
	}
	r, err := f.lookup(id)
	if err != nil {
		return core.PowerUnknown, err
	}
	return core.DerivePowerState(string(r.State), r.Deployed), nil
}

func (f *Fake) Resolve(_ context.Context, id string) (*core.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Resolve", id, ""); err != nil {
		return nil, err
	}
	r, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	out := *r
	out.State = core.DerivePowerState(string(r.State), r.Deployed)
	return &out, nil
}

func (f *Fake) ChildVMs(_ context.Context, vappID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChildVMs", vappID, ""); err != nil {
		return nil, err
	}
	return append([]string(nil), f.children[vappID]...), nil
}

func (f *Fake) GuestToolsInstalled(_ context.Context, vmID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GuestToolsInstalled", vmID, ""); err != nil {
		return false, err
	}
	return f.tools[vmID], nil
}

func (f *Fake) RecentTask(_ context.Context, id string) (*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RecentTask", id, ""); err != nil {
		return nil, err
	}
	t, ok := f.recent[id]
	if !ok {
		return nil, nil
	}
	out := *t
	return &out, nil
}

func (f *Fake) SubmitPowerOperation(_ context.Context, id string, op provider.PowerOp) (provider.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SubmitPowerOperation", id, string(op)); err != nil {
		return "", err
	}
	if _, err := f.lookup(id); err != nil {
		return "", err
	}
	return f.submit(func() { f.applyPower(id, op) }), nil
}

// applyPower changes the state of id and, for a vApp, its VMs. The caller
// holds f.mu.
func (f *Fake) applyPower(id string, op provider.PowerOp) {
	var state core.PowerState
	var deployed bool
	switch op {
	case provider.PowerOn:
		state, deployed = core.PoweredOn, true
	case provider.PowerOff, provider.Shutdown:
		state, deployed = core.PoweredOff, false
	default:
		return
	}
	ids := append([]string{id}, f.children[id]...)
	for _, rid := range ids {
		if r, ok := f.resources[rid]; ok {
			r.State = state
			r.Deployed = deployed
		}
	}
}

func (f *Fake) TaskStatus(_ context.Context, h provider.TaskHandle) (provider.TaskStatus, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TaskStatus", string(h), ""); err != nil {
		return "", "", err
	}
	t, ok := f.tasks[h]
	if !ok {
		return "", "", fmt.Errorf("%w: task %q", core.ErrNotFound, h)
	}
	if t.pending > 0 {
		t.pending--
		return provider.TaskRunning, "", nil
	}
	if t.apply != nil {
		if t.status == provider.TaskSuccess {
			t.apply()
		}
		t.apply = nil
	}
	return t.status, t.detail, nil
}

func (f *Fake) vappsIn(vdcID string) []*core.Resource {
	var out []*core.Resource
	for _, r := range f.resources {
		if r.Type == core.ObjectVApp && r.ParentID == vdcID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) CountVApps(_ context.Context, vdcID string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CountVApps", vdcID, ""); err != nil {
		return 0, 0, err
	}
	running, stopped := 0, 0
	for _, r := range f.vappsIn(vdcID) {
		if r.State == core.PoweredOn {
			running++
		} else {
			stopped++
		}
	}
	return running, stopped, nil
}

func (f *Fake) RunningResources(_ context.Context, vdcID string) (provider.Resources, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RunningResources", vdcID, ""); err != nil {
		return provider.Resources{}, err
	}
	var total provider.Resources
	for _, r := range f.vappsIn(vdcID) {
		if r.State == core.PoweredOn {
			total = total.Add(provider.Resources{CPUs: r.CPUs, MemoryMB: r.MemoryMB})
		}
	}
	return total, nil
}

func (f *Fake) TemplateResources(_ context.Context, template string) (provider.Resources, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TemplateResources", template, ""); err != nil {
		return provider.Resources{}, err
	}
	r, ok := f.templates[template]
	if !ok {
		return provider.Resources{}, fmt.Errorf("%w: template %q", core.ErrNotFound, template)
	}
	return r, nil
}

func (f *Fake) VAppExists(_ context.Context, vdcID, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("VAppExists", vdcID, name); err != nil {
		return false, err
	}
	for _, r := range f.vappsIn(vdcID) {
		if r.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) Delete(_ context.Context, id string) (provider.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Delete", id, ""); err != nil {
		return "", err
	}
	r, err := f.lookup(id)
	if err != nil {
		return "", err
	}
	parent := r.ParentID
	return f.submit(func() {
		for _, vm := range f.children[id] {
			delete(f.resources, vm)
		}
		delete(f.children, id)
		delete(f.resources, id)
		if kids, ok := f.children[parent]; ok {
			f.children[parent] = without(kids, id)
		}
	}), nil
}

func (f *Fake) Recompose(_ context.Context, vappID, templateID string, vms []string) (provider.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Recompose", vappID, templateID); err != nil {
		return "", err
	}
	if _, err := f.lookup(vappID); err != nil {
		return "", err
	}
	return f.submit(nil), nil
}

func (f *Fake) Rename(_ context.Context, id, name string) (provider.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Rename", id, name); err != nil {
		return "", err
	}
	if tpl, ok := f.templates[id]; ok {
		return f.submit(func() {
			delete(f.templates, id)
			f.templates[name] = tpl
		}), nil
	}
	if _, err := f.lookup(id); err != nil {
		return "", err
	}
	return f.submit(func() {
		if r, ok := f.resources[id]; ok {
			r.Name = name
		}
	}), nil
}

func (f *Fake) Capture(_ context.Context, vappID, catalog, templateName string) (provider.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Capture", vappID, catalog+"/"+templateName); err != nil {
		return "", err
	}
	r, err := f.lookup(vappID)
	if err != nil {
		return "", err
	}
	size := provider.Resources{CPUs: r.CPUs, MemoryMB: r.MemoryMB}
	return f.submit(func() { f.templates[templateName] = size }), nil
}

func (f *Fake) Instantiate(_ context.Context, vdcID, catalog, template, name string) (string, provider.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Instantiate", vdcID, catalog+"/"+template+"/"+name); err != nil {
		return "", "", err
	}
	size, ok := f.templates[template]
	if !ok {
		return "", "", fmt.Errorf("%w: template %q", core.ErrNotFound, template)
	}
	f.seq++
	id := fmt.Sprintf("urn:vcloud:vapp:%d", f.seq)
	return id, f.submit(func() {
		f.resources[id] = &core.Resource{
			ID:       id,
			Name:     name,
			Type:     core.ObjectVApp,
			ParentID: vdcID,
			State:    core.PoweredOff,
			CPUs:     size.CPUs,
			MemoryMB: size.MemoryMB,
		}
	}), nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
