package challenges

import "strings"

// authorizeCreator is the single gate in front of every privileged
// mutation: only the recorded creator may complete or cancel.
func authorizeCreator(c *Challenge, s Signer) error {
	if s == nil {
		return ErrUnauthorized
	}
	addr := normalizeAddr(s.Address())
	if addr == "" || !strings.EqualFold(addr, c.Creator) {
		return ErrUnauthorized
	}
	return nil
}
