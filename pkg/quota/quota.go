// Package quota enforces the data center limits checked before a vApp is
// created or powered on.
//
// A data center uses one of two regimes. The count regime limits how many
// vApps may run and how many may exist. The resource regime limits the CPU
// and memory of the running vApps.
package quota

import (
	"context"
	"fmt"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/provider"
)

// Caller runs provider calls. *provider.Conn implements it.
type Caller interface {
	Do(ctx context.Context, fn func(provider.API) error) error
}

// Checker evaluates quota guards.
type Checker struct {
	quotas   core.QuotaStore
	provider Caller
}

// New creates a Checker.
func New(quotas core.QuotaStore, p Caller) *Checker {
	return &Checker{quotas: quotas, provider: p}
}

// AllowPowerOn checks that the vApp named name, needing need, may be powered
// on in vdcID. It returns a *core.Rejection when a limit would be exceeded.
func (c *Checker) AllowPowerOn(ctx context.Context, vdcID, name string, need provider.Resources) error {
	dc, err := c.quotas.GetDataCenter(ctx, vdcID)
	if err != nil {
		return fmt.Errorf("quota: data center %q: %w", vdcID, err)
	}
	if dc.ResourceQuota {
		return c.checkResources(ctx, dc, name, need)
	}
	return c.checkRunning(ctx, dc)
}

// AllowCreate checks that a vApp named name may be created from template in
// vdcID, and powered on when powerOn is set.
func (c *Checker) AllowCreate(ctx context.Context, vdcID, name, template string, powerOn bool) error {
	dc, err := c.quotas.GetDataCenter(ctx, vdcID)
	if err != nil {
		return fmt.Errorf("quota: data center %q: %w", vdcID, err)
	}

	if dc.ResourceQuota {
		if !powerOn {
			return nil
		}
		var need provider.Resources
		err := c.provider.Do(ctx, func(api provider.API) error {
			var err error
			need, err = api.TemplateResources(ctx, template)
			return err
		})
		if err != nil {
			return fmt.Errorf("quota: template %q: %w", template, err)
		}
		return c.checkResources(ctx, dc, name, need)
	}

	running, stopped, err := c.count(ctx, dc.ID)
	if err != nil {
		return err
	}
	if powerOn && running+1 > dc.RunningLimit {
		return core.Reject(core.RejectQuota,
			"Choosing to power on this new vApp would bring you over the running vApp quota, please power off other vApps first")
	}
	if running+stopped+1 > dc.StoredLimit {
		return core.Reject(core.RejectQuota,
			"Creating this vApp %s would bring you over the Total vApps quota, please delete other vApps first", name)
	}
	return nil
}

func (c *Checker) checkRunning(ctx context.Context, dc *core.DataCenter) error {
	running, _, err := c.count(ctx, dc.ID)
	if err != nil {
		return err
	}
	if running+1 > dc.RunningLimit {
		return core.Reject(core.RejectQuota,
			"Powering on this vApp would bring you over the running vApp quota, please power off other vApps first")
	}
	return nil
}

func (c *Checker) checkResources(ctx context.Context, dc *core.DataCenter, name string, need provider.Resources) error {
	var running provider.Resources
	err := c.provider.Do(ctx, func(api provider.API) error {
		var err error
		running, err = api.RunningResources(ctx, dc.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("quota: running resources of %q: %w", dc.ID, err)
	}

	total := running.Add(need)
	if total.CPUs > dc.CPULimit || total.MemoryMB > dc.MemoryLimitGB*1024 {
		return core.Reject(core.RejectQuota,
			"Starting this vApp %s would bring you over the running Resource (CPU/Memory) quota, please power off other vApps first", name)
	}
	return nil
}

func (c *Checker) count(ctx context.Context, vdcID string) (running, stopped int, err error) {
	err = c.provider.Do(ctx, func(api provider.API) error {
		var err error
		running, stopped, err = api.CountVApps(ctx, vdcID)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("quota: count vApps of %q: %w", vdcID, err)
	}
	return running, stopped, nil
}
