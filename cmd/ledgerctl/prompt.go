package main

import (
	"errors"
	"os"

	"github.com/mdehoog/usbledger/selector"
	"github.com/peterh/liner"
)

// linerPrompter reads selector input with line editing and history.
type linerPrompter struct {
	state *liner.State
}

func (p *linerPrompter) Prompt(prompt string) (string, error) {
	input, err := p.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", errors.New("selection aborted")
	}
	if err != nil {
		return "", err
	}
	if input != "" {
		p.state.AppendHistory(input)
	}
	return input, nil
}

// newPrompter returns a terminal prompter, or a plain line reader when
// standard input is not a terminal.
func newPrompter() (selector.Prompter, func()) {
	if !liner.TerminalSupported() {
		return selector.NewReaderPrompter(os.Stdin, os.Stdout), func() {}
	}
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	return &linerPrompter{state: state}, func() { state.Close() }
}
