package hostvars

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/calmira-ai/go-calmira/pkg/feedback"
)

// Publisher writes training-session state to a Store with the capability
// check done once, up front. Construction probes each variable; writes to
// variables the host never declared are skipped with a debug log instead of
// erroring on every call.
type Publisher struct {
	store  Store
	logger *slog.Logger
	avail  map[string]bool
}

// NewPublisher probes the named variables (WellKnownVars when none are
// given) and caches which of them the host declares. Only ErrUnknownVar
// marks a variable absent; any other probe error is treated as transient
// and the variable stays writable.
func NewPublisher(store Store, logger *slog.Logger, names ...string) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if len(names) == 0 {
		names = WellKnownVars()
	}

	avail := make(map[string]bool, len(names))
	for _, name := range names {
		_, err := store.GetVar(name)
		ok := !errors.Is(err, ErrUnknownVar)
		avail[name] = ok
		if !ok {
			logger.Debug("host variable not declared", "name", name)
		}
	}

	return &Publisher{store: store, logger: logger, avail: avail}
}

// Set writes one variable. Names that probed as absent (or were never
// probed) are skipped.
func (p *Publisher) Set(name, value string) {
	if !p.avail[name] {
		p.logger.Debug("skipping write to missing host variable", "name", name)
		return
	}
	if err := p.store.SetVar(name, value); err != nil {
		p.logger.Warn("host variable write failed", "name", name, "error", err)
	}
}

// Get reads one variable. The second return is false when the variable is
// absent or the read fails.
func (p *Publisher) Get(name string) (string, bool) {
	if !p.avail[name] {
		return "", false
	}
	v, err := p.store.GetVar(name)
	if err != nil {
		p.logger.Warn("host variable read failed", "name", name, "error", err)
		return "", false
	}
	return v, true
}

// Available reports whether the host declared the variable at probe time.
func (p *Publisher) Available(name string) bool {
	return p.avail[name]
}

// SetStatus publishes the session status line (ai_status).
func (p *Publisher) SetStatus(status string) {
	p.Set(VarAIStatus, status)
}

// SetRecording publishes the push-to-talk recording flag.
func (p *Publisher) SetRecording(on bool) {
	p.Set(VarIsRecording, strconv.FormatBool(on))
}

// SetProcessing publishes whether a response is being generated.
func (p *Publisher) SetProcessing(on bool) {
	p.Set(VarAIProcessing, strconv.FormatBool(on))
}

// SetRecordEnabled publishes whether the record control accepts input.
func (p *Publisher) SetRecordEnabled(on bool) {
	p.Set(VarRecordButtonEnabled, strconv.FormatBool(on))
}

// PublishFeedback writes the grade pair and the feedback text. An ungraded
// result clears the numeric grade and writes the ungraded display sentinel
// so nothing stale survives from an earlier response.
func (p *Publisher) PublishFeedback(fb feedback.TrainingFeedback) {
	if fb.Graded {
		p.Set(VarGrade, strconv.Itoa(fb.Grade))
	} else {
		p.Set(VarGrade, "")
	}
	p.Set(VarGradeDisplay, fb.GradeDisplay())
	p.Set(VarFeedback, fb.Feedback)
}

// LastGrade reads back the numeric grade, used to validate a resumed
// session. Returns false when the grade is absent, blank, or malformed.
func (p *Publisher) LastGrade() (int, bool) {
	v, ok := p.Get(VarGrade)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
