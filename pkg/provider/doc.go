// Package provider defines the contract the core expects from the
// virtualization provider (vCloud Director) and the connection handle used
// to call it.
//
// API is implemented by a provider binding outside this module, or by
// providertest.Fake. A Conn wraps the API value produced by a Dialer:
//
//	conn, err := provider.Dial(ctx, dialer)
//	err = conn.Do(ctx, func(api provider.API) error {
//	    h, err := api.SubmitPowerOperation(ctx, vmID, provider.PowerOn)
//	    if err != nil {
//	        return err
//	    }
//	    return provider.Await(ctx, api, h, 10*time.Minute, 2*time.Second)
//	})
//
// Do re-dials once when the provider rejects the session and retries
// transient failures three times with a one second pause. When the retries
// run out the error wraps core.ErrProviderUnavailable.
package provider
