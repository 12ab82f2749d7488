package selector

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ReaderPrompter reads answers line by line from a plain reader. It is used
// when input is not a terminal.
type ReaderPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewReaderPrompter creates a prompter writing prompts to out and reading
// answers from in.
func NewReaderPrompter(in io.Reader, out io.Writer) *ReaderPrompter {
	return &ReaderPrompter{in: bufio.NewReader(in), out: out}
}

// Prompt writes the prompt and returns the next line without its terminator.
// A final line lacking a newline is still returned, io.EOF follows it.
func (p *ReaderPrompter) Prompt(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
