package router

import (
	"fmt"
	"slices"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
)

// negotiate builds the Target for c. The format is the first of formats,
// in caller preference order, that an address of the worker declares and
// the fitable allows. The endpoint is the first one of that address whose
// protocol the caller speaks; an empty protocols list accepts any.
func negotiate(c Candidate, formats []identity.Format, protocols []identity.Protocol) (identity.Target, error) {
	var sawFormat bool
	for _, format := range formats {
		if len(c.Formats) > 0 && !slices.Contains(c.Formats, format) {
			continue
		}
		for _, addr := range c.Worker.Addresses {
			if !addressSupports(addr, c.Formats, format) {
				continue
			}
			sawFormat = true
			if ep, ok := pickEndpoint(addr, protocols); ok {
				return identity.Target{Worker: c.Worker, Address: addr, Endpoint: ep, Format: format}, nil
			}
		}
	}

	reason := fmt.Errorf("caller formats %v, worker formats %v", formats, workerFormats(c))
	if sawFormat {
		reason = fmt.Errorf("no endpoint for protocols %v", protocols)
	}
	return identity.Target{}, errspkg.New(errspkg.KindFormatNotNegotiable, "negotiate", c.Worker.ID, reason)
}

// addressSupports falls back to the fitable formats for addresses that
// declare none.
func addressSupports(addr identity.Address, fitableFormats []identity.Format, format identity.Format) bool {
	if len(addr.Formats) == 0 {
		return slices.Contains(fitableFormats, format)
	}
	return addr.Supports(format)
}

func pickEndpoint(addr identity.Address, protocols []identity.Protocol) (identity.Endpoint, bool) {
	if len(protocols) == 0 {
		if len(addr.Endpoints) == 0 {
			return identity.Endpoint{}, false
		}
		return addr.Endpoints[0], true
	}
	for _, p := range protocols {
		if ep, ok := addr.Endpoint(p); ok {
			return ep, true
		}
	}
	return identity.Endpoint{}, false
}

func workerFormats(c Candidate) []identity.Format {
	var out []identity.Format
	for _, addr := range c.Worker.Addresses {
		for _, f := range addr.Formats {
			if !slices.Contains(out, f) {
				out = append(out, f)
			}
		}
	}
	return out
}
