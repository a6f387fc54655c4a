// Package approval gates operator override commands (ralphd task retry,
// ralphd task escalate) behind an interactive terminal confirmation so a
// human doesn't accidentally force a CAS transition on the wrong issue.
package approval

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

// OverrideRequest describes the CAS override an operator is about to force.
type OverrideRequest struct {
	Operation   string // "retry" | "escalate"
	IssueRef    string // "owner/repo#123"
	FromStatus  string
	ToStatus    string
	Reason      string
	AutoApprove bool
}

// OverrideResponse is the operator's decision.
type OverrideResponse struct {
	Approved bool
	Action   string // "approve" | "reject" | "quit"
	Message  string
}

// Approver confirms operator overrides before the worker store applies
// them. Implementations must be safe to call repeatedly.
type Approver interface {
	RequestApproval(ctx context.Context, request *OverrideRequest) (*OverrideResponse, error)
}

// InteractiveApprover implements Approver via terminal prompts.
type InteractiveApprover struct {
	timeout      time.Duration
	autoApprove  bool
	colorEnabled bool
}

// NewInteractiveApprover creates a new interactive approver.
func NewInteractiveApprover(timeout time.Duration, autoApprove, colorEnabled bool) *InteractiveApprover {
	return &InteractiveApprover{
		timeout:      timeout,
		autoApprove:  autoApprove,
		colorEnabled: colorEnabled,
	}
}

// RequestApproval asks for operator confirmation via the terminal.
func (a *InteractiveApprover) RequestApproval(ctx context.Context, request *OverrideRequest) (*OverrideResponse, error) {
	if a.autoApprove || request.AutoApprove {
		return &OverrideResponse{Approved: true, Action: "approve", Message: "auto-approved"}, nil
	}

	a.displaySummary(request)

	response, err := a.promptWithTimeout(ctx)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (a *InteractiveApprover) displaySummary(request *OverrideRequest) {
	separator := strings.Repeat("=", 72)

	fmt.Println()
	fmt.Println(a.colorize(separator, color.FgCyan))
	fmt.Println(a.colorize(fmt.Sprintf("Operator override: %s", request.Operation), color.FgYellow, color.Bold))
	fmt.Println(a.colorize(fmt.Sprintf("Issue: %s", request.IssueRef), color.FgWhite))
	fmt.Println(a.colorize(fmt.Sprintf("Status: %s -> %s", request.FromStatus, request.ToStatus), color.FgWhite))
	if request.Reason != "" {
		fmt.Println(a.colorize(fmt.Sprintf("Reason: %s", request.Reason), color.FgWhite))
	}
	fmt.Println(a.colorize(separator, color.FgCyan))
}

func (a *InteractiveApprover) promptWithTimeout(ctx context.Context) (*OverrideResponse, error) {
	responseChan := make(chan *OverrideResponse, 1)
	errorChan := make(chan error, 1)

	go func() {
		response, err := a.readUserInput()
		if err != nil {
			errorChan <- err
			return
		}
		responseChan <- response
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case err := <-errorChan:
		return nil, err
	case <-timeoutCtx.Done():
		fmt.Println()
		fmt.Println(a.colorize("timeout - override rejected", color.FgRed))
		return &OverrideResponse{Approved: false, Action: "reject", Message: "approval timeout"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *InteractiveApprover) readUserInput() (*OverrideResponse, error) {
	fmt.Println()
	fmt.Println(a.colorize("Apply this override?", color.FgYellow, color.Bold))
	fmt.Println("  [y] Yes, apply")
	fmt.Println("  [n] No, cancel")
	fmt.Println("  [q] Quit")
	fmt.Print(a.colorize("Choice: ", color.FgCyan))

	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	input = strings.TrimSpace(strings.ToLower(input))

	switch input {
	case "y", "yes":
		return &OverrideResponse{Approved: true, Action: "approve", Message: "approved by operator"}, nil
	case "n", "no", "":
		return &OverrideResponse{Approved: false, Action: "reject", Message: "rejected by operator"}, nil
	case "q", "quit":
		return &OverrideResponse{Approved: false, Action: "quit", Message: "operator requested quit"}, nil
	default:
		fmt.Println(a.colorize("invalid choice, enter y, n, or q", color.FgRed))
		return a.readUserInput()
	}
}

func (a *InteractiveApprover) colorize(text string, attributes ...color.Attribute) string {
	if !a.colorEnabled {
		return text
	}
	return color.New(attributes...).Sprint(text)
}

// NoOpApprover always approves; used in tests and non-interactive profiles.
type NoOpApprover struct{}

// NewNoOpApprover creates a new no-op approver.
func NewNoOpApprover() *NoOpApprover { return &NoOpApprover{} }

// RequestApproval always approves.
func (a *NoOpApprover) RequestApproval(_ context.Context, _ *OverrideRequest) (*OverrideResponse, error) {
	return &OverrideResponse{Approved: true, Action: "approve", Message: "auto-approved (no-op)"}, nil
}
