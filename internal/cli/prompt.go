package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// prompter reads interactive answers. Empty input selects the default.
type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{reader: bufio.NewReader(in), out: out}
}

// readLine returns the next trimmed line. A final line without a newline is
// still returned; io.EOF is only reported when nothing was read.
func (p *prompter) readLine() (string, error) {
	input, err := p.reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// promptString asks for free text.
func (p *prompter) promptString(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}

	input, err := p.readLine()
	if err != nil {
		return def, err
	}
	if input == "" {
		return def, nil
	}
	return input, nil
}

// promptChoice asks until the answer is one of choices.
func (p *prompter) promptChoice(label, def string, choices []string) (string, error) {
	for {
		answer, err := p.promptString(fmt.Sprintf("%s (%s)", label, strings.Join(choices, ", ")), def)
		if err != nil {
			return def, err
		}
		answer = strings.ToLower(answer)
		if contains(choices, answer) {
			return answer, nil
		}
		fmt.Fprintf(p.out, "  Invalid choice %q, please try again.\n", answer)
	}
}

// promptInt asks until the answer is an integer in [lo, hi].
func (p *prompter) promptInt(label string, def, lo, hi int) (int, error) {
	for {
		answer, err := p.promptString(label, strconv.Itoa(def))
		if err != nil {
			return def, err
		}
		v, convErr := strconv.Atoi(answer)
		if convErr == nil && v >= lo && v <= hi {
			return v, nil
		}
		fmt.Fprintf(p.out, "  Enter a number between %d and %d.\n", lo, hi)
	}
}

// promptBool asks a yes/no question.
func (p *prompter) promptBool(label string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", label, hint)
		input, err := p.readLine()
		if err != nil {
			return def, err
		}
		switch strings.ToLower(input) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(p.out, "  Please answer yes or no.")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
