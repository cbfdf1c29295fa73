// Package classify implements CrashDetector: a pure function from a
// pane snapshot and the agent's prior state to a HealthVerdict
// (spec §4.5). It never mutates anything; the tracker applies whatever
// the verdict implies.
package classify

import (
	"regexp"
	"strings"

	"github.com/fleetwatch/fleetwatch/internal/defaults"
	"github.com/fleetwatch/fleetwatch/internal/model"
)

// ErrorSignature is a terminal-error pattern the classifier checks pane
// text against, literal or compiled regexp (mutually exclusive).
type ErrorSignature struct {
	ID      string
	Literal string
	Regexp  *regexp.Regexp
}

// Prior is the state the classifier consults from the tracker; it never
// reads tracker internals directly.
type Prior struct {
	PriorHash              uint64
	PriorVerdict           model.VerdictKind
	ConsecutiveIdleSamples int
	InGraceWindow          bool
}

// Detector holds the configured terminal-error signatures and stuck
// threshold. A Detector is stateless and safe for concurrent use.
type Detector struct {
	errorSignatures []ErrorSignature
	stuckThreshold  int
}

// New builds a Detector. stuckThreshold <= 0 uses the documented
// default (spec §4.5).
func New(errorSignatures []ErrorSignature, stuckThreshold int) *Detector {
	if stuckThreshold <= 0 {
		stuckThreshold = defaults.StuckThreshold
	}
	return &Detector{errorSignatures: errorSignatures, stuckThreshold: stuckThreshold}
}

// Classify evaluates the five ordered decision rules of spec §4.5 and
// returns the resulting verdict. The reason string is the matched
// terminal-error signature id for CRASHED verdicts, empty otherwise.
func (d *Detector) Classify(snapshot model.PaneSnapshot, prior Prior) model.HealthVerdict {
	v := model.HealthVerdict{Target: snapshot.Target, SnapshotHash: snapshot.Hash, CapturedAt: snapshot.CapturedAt}

	if sigID, matched := d.matchTerminalError(snapshot.Text); matched {
		v.State = model.VerdictCrashed
		v.Reason = sigID
		return v
	}
	hashUnchanged := snapshot.Hash == prior.PriorHash
	if prior.InGraceWindow && hashUnchanged {
		v.State = model.VerdictStarting
		return v
	}

	if hashUnchanged && prior.PriorVerdict == model.VerdictIdle && prior.ConsecutiveIdleSamples+1 >= d.stuckThreshold {
		v.State = model.VerdictStuck
		return v
	}
	if hashUnchanged {
		v.State = model.VerdictIdle
		return v
	}
	v.State = model.VerdictActive
	return v
}

// matchTerminalError scans text against every configured signature in
// order and returns the first match's id.
func (d *Detector) matchTerminalError(text string) (string, bool) {
	for _, sig := range d.errorSignatures {
		if sig.Regexp != nil {
			if sig.Regexp.MatchString(text) {
				return sig.ID, true
			}
			continue
		}
		if sig.Literal != "" && strings.Contains(text, sig.Literal) {
			return sig.ID, true
		}
	}
	return "", false
}
