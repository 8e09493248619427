package client

import "github.com/fluxorio/fedclient/pkg/sm"

// GetFirstModule returns the first registered module instance of the
// given kind whose ClientModule value is assertable to M, for callers that
// don't care which instance id answers — only that some instance of that
// kind exists. Mirrors the original implementation's generic
// get_first_module::<M>() (lib.rs:602).
func GetFirstModule[M sm.ClientModule](c *Client, kind string) (M, bool) {
	var zero M
	instance, ok := c.GetFirstInstance(kind)
	if !ok {
		return zero, false
	}
	mod, ok := c.registry.Get(instance)
	if !ok {
		return zero, false
	}
	typed, ok := mod.(M)
	if !ok {
		return zero, false
	}
	return typed, true
}
