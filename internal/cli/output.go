package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/edgeinstall/internal/admin"
	"github.com/danmuck/edgeinstall/internal/envelope"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the node answered with BAD_REQUEST or FAIL
	ExitCommandError = 2 // bad flags, unreachable node, unexpected status
)

// ExitError carries the process exit code for a failed command.
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

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitFailure for errors that carry no code.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Printer renders command results as JSON or aligned text.
type Printer struct {
	Format string
	Writer io.Writer
}

func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Install prints an install response and turns a non-success code into an
// ExitFailure.
func (p *Printer) Install(resp admin.InstallResponse) error {
	var err error
	if p.Format == "json" {
		err = p.JSON(resp)
	} else {
		target := resp.Request.Sponsor.String()
		if target == "" {
			target = "node"
		}
		fmt.Fprintf(p.Writer, "%s %s: %s\n", resp.Request.Action, target, resp.Code)
		for _, m := range resp.Messages {
			fmt.Fprintf(p.Writer, "  %s\n", m)
		}
	}
	if err != nil {
		return err
	}
	if resp.Code != envelope.CodeSuccess {
		return NewExitError(ExitFailure, fmt.Sprintf("%s %s", strings.ToLower(string(resp.Request.Action)), resp.Code))
	}
	return nil
}

func (p *Printer) Functions(resp admin.FunctionsResponse) error {
	if p.Format == "json" {
		return p.JSON(resp)
	}
	tw := tabwriter.NewWriter(p.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION")
	for _, name := range sortedKeys(resp.Functions) {
		fmt.Fprintf(tw, "%s\t%s\n", name, resp.Functions[name])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(p.Writer, "\nqueued=%d processed=%d degraded=%t\n", resp.Status.Queued, resp.Status.Processed, resp.Status.Degraded)
	return nil
}

func (p *Printer) Units(resp admin.UnitsResponse) error {
	if p.Format == "json" {
		return p.JSON(resp)
	}
	owners := make(map[int64][]string, len(resp.Records))
	for _, rec := range resp.Records {
		for _, s := range rec.Sponsors {
			owners[rec.Unit.ID] = append(owners[rec.Unit.ID], s.String())
		}
	}
	tw := tabwriter.NewWriter(p.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVERSION\tSTATE\tSPONSORS")
	for _, u := range resp.Units {
		sponsors := strings.Join(owners[u.ID], ",")
		if sponsors == "" {
			sponsors = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", u.ID, u.SymbolicName, u.Version, u.State, sponsors)
	}
	return tw.Flush()
}

func (p *Printer) Behaviours(resp admin.BehavioursResponse) error {
	if p.Format == "json" {
		return p.JSON(resp)
	}
	tw := tabwriter.NewWriter(p.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOLIC NAME\tVERSION\tCONSUMES\tNAME")
	for _, b := range resp.Behaviours {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.SymbolicName, b.Version, b.Consumed, b.Name)
	}
	return tw.Flush()
}

func (p *Printer) Command(resp admin.CommandResponse) error {
	if p.Format == "json" {
		return p.JSON(resp)
	}
	_, err := fmt.Fprintf(p.Writer, "sent to %s cid=%s\n", resp.Node, resp.CorrelationID)
	return err
}

func (p *Printer) Blacklist(resp admin.BlacklistResponse) error {
	if p.Format == "json" {
		return p.JSON(resp)
	}
	tw := tabwriter.NewWriter(p.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tSTATUS")
	for _, id := range sortedKeys(resp.Blacklist) {
		status := "installed"
		if ts := resp.Blacklist[id]; ts != 0 {
			status = "since " + time.UnixMilli(ts).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\n", id, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(resp.Rounds) == 0 {
		return nil
	}
	fmt.Fprintln(p.Writer)
	tw = tabwriter.NewWriter(p.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tSTATE\tCANDIDATE\tBIDS\tWINNER")
	for _, r := range resp.Rounds {
		winner := r.Winner
		if winner == "" {
			winner = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s:%s\t%d\t%s\n", r.Identity, r.State, r.SymbolicName, r.Version, len(r.Bids), winner)
	}
	return tw.Flush()
}

// Message prints a one-line status in text mode, or {"status": msg} in JSON.
func (p *Printer) Message(msg string, fields map[string]any) error {
	if p.Format == "json" {
		out := map[string]any{"status": msg}
		for k, v := range fields {
			out[k] = v
		}
		return p.JSON(out)
	}
	_, err := fmt.Fprintln(p.Writer, msg)
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
