package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/logbook"
	"github.com/lsst-sqre/exposurelog/internal/message"
	"github.com/lsst-sqre/exposurelog/internal/query"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The operation was refused (not found, conflict, invalid input, registry down)
	ExitCommandError = 2 // Command error (bad config, database cannot be opened, etc.)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
	// Now anchors relative ages in text output; nil means time.Now.
	Now func() time.Time
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	EntryID string `json:"entry_id,omitempty"`
}

// Success outputs a result in the configured format. Text output knows
// how to lay out revisions, pages and additions; anything else is printed
// with its default format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}

	switch v := data.(type) {
	case message.Revision:
		f.writeRevision(v)
	case logbook.Added:
		f.writeRevision(v.Revision)
		if len(v.UnresolvedSeqNums) > 0 {
			fmt.Fprintf(f.Writer, "  unresolved seq_nums: %v\n", v.UnresolvedSeqNums)
		}
	case []message.Revision:
		for _, r := range v {
			f.writeRevision(r)
		}
	case query.Page:
		for _, r := range v.Messages {
			f.writeRevision(r)
		}
		fmt.Fprintf(f.Writer, "%s\n", english.Plural(v.Count, "message", "messages"))
		if v.HasMore {
			fmt.Fprintf(f.Writer, "more: --cursor %s\n", v.NextCursor)
		}
	default:
		fmt.Fprintln(f.Writer, data)
	}
	return nil
}

// writeRevision prints one revision as a header line and its text.
func (f *OutputFormatter) writeRevision(r message.Revision) {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	state := "valid"
	switch {
	case r.Deleted:
		state = "deleted"
	case !r.IsValid:
		state = "superseded"
	}
	fmt.Fprintf(f.Writer, "%s rev %d [%s] %s %s level=%d added %s\n",
		r.EntryID, r.RevisionNum, state, r.Instrument, r.ObsID, r.Level,
		humanize.RelTime(r.DateAdded, now(), "ago", "from now"))
	if len(r.Tags) > 0 {
		fmt.Fprintf(f.Writer, "  tags: %s\n", strings.Join(r.Tags, ", "))
	}
	if r.MessageText != "" {
		fmt.Fprintf(f.Writer, "  %s\n", r.MessageText)
	}
}

// Error outputs err in the configured format and returns the ExitError
// the command should exit with. Domain errors exit with ExitFailure.
func (f *OutputFormatter) Error(msg string, err error) error {
	cliErr := &CLIError{Code: "INTERNAL", Message: err.Error()}
	code := ExitCommandError
	var e *errs.Error
	if errors.As(err, &e) {
		cliErr = &CLIError{Code: string(e.Code), Message: e.Message, Field: e.Field, EntryID: e.EntryID}
		code = ExitFailure
	}

	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: cliErr})
	} else {
		fmt.Fprintf(f.GetErrWriter(), "Error [%s]: %s\n", cliErr.Code, cliErr.Message)
		if f.Verbose && cliErr.Field != "" {
			fmt.Fprintf(f.GetErrWriter(), "Field: %s\n", cliErr.Field)
		}
	}
	return WrapExitError(code, msg, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
