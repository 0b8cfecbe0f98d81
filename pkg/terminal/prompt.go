// Package terminal is the local synchronous approval path, used when the
// messaging platform is unreachable. It presents the same command and
// numbered options and produces the same resolution shape, so upstream
// callers are indifferent to which surface served the approval.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/peterh/liner"

	"github.com/chaperone-dev/chaperone/pkg/ledger"
)

// ErrPromptClosed is returned when the control surface is closed before a
// choice is made.
var ErrPromptClosed = errors.New("terminal prompt closed without a choice")

// Prompter asks for an approval decision on the local control surface.
type Prompter struct {
	out io.Writer
	// responder identifies the local operator in the resolution record.
	responder string
}

// NewPrompter creates a terminal prompter. The responder id defaults to
// "terminal:<username>".
func NewPrompter() *Prompter {
	responder := "terminal"
	if u, err := user.Current(); err == nil && u.Username != "" {
		responder = "terminal:" + u.Username
	}
	return &Prompter{out: os.Stderr, responder: responder}
}

// Ask blocks until the operator picks a choice or closes the surface.
func (p *Prompter) Ask(sessionID, command string, metadata map[string]string) (ledger.Choice, string, error) {
	fmt.Fprintf(p.out, "\nApproval required (platform unreachable) for session %s\n", sessionID)
	fmt.Fprintf(p.out, "  command: %s\n", command)
	if risk := metadata["risk"]; risk != "" {
		fmt.Fprintf(p.out, "  risk:    %s\n", risk)
	}
	fmt.Fprintf(p.out, "  [1] proceed  [2] cancel  [3] always-approve\n")

	line := liner.NewLiner()
	defer func() { _ = line.Close() }()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("choice> ")
		if err != nil {
			// io.EOF and liner.ErrPromptAborted both mean the surface
			// closed; the approval stays undecided for the caller.
			return 0, "", ErrPromptClosed
		}

		choice, err := ledger.ParseChoice(strings.TrimSpace(input))
		if err != nil {
			fmt.Fprintf(p.out, "  enter 1, 2 or 3\n")
			continue
		}
		return choice, p.responder, nil
	}
}
