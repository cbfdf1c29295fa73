package discovery

import (
	"regexp"

	"github.com/fleetwatch/fleetwatch/internal/model"
)

// compiledSignature pairs a role signature with its pre-compiled regexp
// (nil when the signature is a literal match), so Run never compiles a
// pattern on the hot path.
type compiledSignature struct {
	role    model.AgentRole
	literal string
	re      *regexp.Regexp
}

func compileSignatures(signatures []model.RoleSignature) []compiledSignature {
	out := make([]compiledSignature, 0, len(signatures))
	for _, sig := range signatures {
		cs := compiledSignature{role: sig.Role, literal: sig.Literal}
		if sig.Pattern != "" {
			re, err := regexp.Compile(sig.Pattern)
			if err != nil {
				continue
			}
			cs.re = re
		}
		out = append(out, cs)
	}
	return out
}
