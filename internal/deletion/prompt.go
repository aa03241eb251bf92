package deletion

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vaultmirror/vaultmirror/internal/store"
)

// TerminalPrompt implements Prompt over a terminal-style reader/writer
// pair. The decision applies to the whole pending set; per-path choices
// go through the deletions subcommands instead.
type TerminalPrompt struct {
	In  io.Reader
	Out io.Writer
}

// Ask lists the pending deletions and reads a one-letter choice:
// [d]elete remote copies, [r]estore locally, anything else leaves the
// records pending.
func (p *TerminalPrompt) Ask(pending []store.PendingDeletion) (Decision, error) {
	fmt.Fprintf(p.Out, "%d file(s) deleted locally but still in the remote store:\n", len(pending))

	for _, pd := range pending {
		fmt.Fprintf(p.Out, "  %s  (deleted %s, %d bytes)\n",
			pd.Path, pd.DeletedAt.Format(time.RFC3339), pd.OriginalSize)
	}

	fmt.Fprint(p.Out, "[d]elete from remote, [r]estore locally, or decide [l]ater?\n> ")

	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return Decision{}, fmt.Errorf("reading response: %w", err)
	}

	paths := make([]string, len(pending))
	for i, pd := range pending {
		paths[i] = pd.Path
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "d", "delete":
		return Decision{Action: ActionConfirm, Paths: paths}, nil
	case "r", "restore":
		return Decision{Action: ActionRestore, Paths: paths}, nil
	default:
		return Decision{Action: ActionCancel}, nil
	}
}
