// Package hostvars bridges a training session to the embedding host's
// variable surface — an e-learning page, a test harness, or nothing at all.
//
// The host exposes GetVar/SetVar over named variables. Which variables the
// host actually declares is probed once per session and cached; writes to
// undeclared variables then degrade to logged no-ops rather than per-call
// errors, so a host that exposes only a subset of the surface still works.
package hostvars

import "errors"

// ErrUnknownVar is returned by a Store when the host does not declare the
// named variable.
var ErrUnknownVar = errors.New("hostvars: unknown variable")

// Store is the host-side variable surface.
type Store interface {
	// GetVar returns the current value of a host variable.
	GetVar(name string) (string, error)

	// SetVar writes a host variable.
	SetVar(name, value string) error
}

// Variables a training session reads and writes. Values are strings on the
// host side; booleans are written as "true"/"false" and the grade as its
// decimal form.
const (
	VarGrade               = "grade"
	VarGradeDisplay        = "gradeDisplay"
	VarFeedback            = "feedback"
	VarAIStatus            = "ai_status"
	VarIsRecording         = "isRecording"
	VarAIProcessing        = "ai_processing"
	VarRecordButtonEnabled = "recordButtonEnabled"
)

// WellKnownVars returns every variable a training session touches.
func WellKnownVars() []string {
	return []string{
		VarGrade,
		VarGradeDisplay,
		VarFeedback,
		VarAIStatus,
		VarIsRecording,
		VarAIProcessing,
		VarRecordButtonEnabled,
	}
}
