// Package logging is a bracket-tagged progress logger every component
// can hold: one io.Writer, one tag, and a small set of leveled helpers.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// Logger writes human-readable, tagged lines to an underlying writer.
type Logger struct {
	w     io.Writer
	tag   string
	debug bool
}

// New creates a Logger tagged with component, e.g. "infra", "hardening", "ssh".
func New(w io.Writer, component string, debug bool) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{w: w, tag: component, debug: debug}
}

// With returns a Logger sharing the writer but tagged with a sub-component,
// e.g. log.With("aws") for a phase logger scoped to one cloud call.
func (l *Logger) With(sub string) *Logger {
	return &Logger{w: l.w, tag: l.tag + "." + sub, debug: l.debug}
}

func (l *Logger) line(level, msg string) {
	fmt.Fprintf(l.w, "[%s] %s: %s\n", l.tag, level, msg)
}

func (l *Logger) Note(msg string)    { l.line("note", msg) }
func (l *Logger) Status(msg string)  { l.line("status", titleCaser.String(msg)) }
func (l *Logger) Warning(msg string) { l.line("warning", msg) }
func (l *Logger) Error(msg string)   { l.line("error", msg) }

// Wait logs a poll-loop wait message with attempt/max context.
func (l *Logger) Wait(msg string, attempt, max int) {
	fmt.Fprintf(l.w, "[%s] waiting: %s (%d/%d)\n", l.tag, msg, attempt, max)
}

// Command logs a remote or cloud-API command about to run. Secrets are
// redacted by the caller before this is invoked (the broker, its only
// caller, redacts credential material from anything it logs).
func (l *Logger) Command(prefix, cmd string) {
	if len(cmd) > 200 {
		cmd = cmd[:200] + "..."
	}
	fmt.Fprintf(l.w, "[%s] %s> %s\n", l.tag, prefix, cmd)
}

// CommandResult logs the outcome of a command: exit code, duration, and
// redacted output, matching the Session Broker's logging contract.
func (l *Logger) CommandResult(exitCode int, dur time.Duration, stdout, stderr string) {
	fmt.Fprintf(l.w, "[%s] exit=%d duration=%s\n", l.tag, exitCode, dur.Round(time.Millisecond))
	for _, line := range splitNonEmpty(stdout) {
		fmt.Fprintf(l.w, "[%s] stdout: %s\n", l.tag, line)
	}
	for _, line := range splitNonEmpty(stderr) {
		fmt.Fprintf(l.w, "[%s] stderr: %s\n", l.tag, line)
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Redact replaces the value of any known-secret substring with "****" so
// credentials never reach an on-disk log.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "****")
	}
	return s
}
