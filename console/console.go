// Package console holds the small amount of interactive terminal I/O the tools
// need: a masked password prompt and the yes/no gate in front of destructive
// uploads.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when a prompt is needed but stdin is not a terminal.
var ErrNotInteractive = errors.New("stdin is not a terminal")

// IsInteractive reports whether stdin is attached to a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// ReadPassword securely reads a password with masking.
func ReadPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNotInteractive
	}
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(fd)
	fmt.Println() // newline after masked input
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bytePassword)), nil
}

// Confirm writes prompt to out and reads answers from in until the operator
// types "yes" or "no". End of input counts as "no".
func Confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "\n%s ", prompt)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return false, err
			}
			return false, nil
		}
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "yes":
			return true, nil
		case "no":
			return false, nil
		default:
			fmt.Fprintln(out, "Please type 'yes' or 'no'")
		}
	}
}

// Summary is the information shown before a destructive upload.
type Summary struct {
	Title       string
	File        string
	Location    string
	SizeBytes   int64
	Records     int
	Destination string
	Warning     string
}

// PrintSummary renders s in the boxed layout operators are used to.
func PrintSummary(out io.Writer, s Summary) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintf(out, "\n%s\n%s\n%s\n", rule, s.Title, rule)
	fmt.Fprintf(out, "%-13s%s\n", "File:", s.File)
	fmt.Fprintf(out, "%-13s%s\n", "Location:", s.Location)
	fmt.Fprintf(out, "\n%-19s%d bytes\n", "File size:", s.SizeBytes)
	fmt.Fprintf(out, "%-19s%d patrons\n", "Records:", s.Records)
	fmt.Fprintf(out, "\nDestination: %s\n", s.Destination)
	if s.Warning != "" {
		fmt.Fprintf(out, "\nWARNING: %s\n", s.Warning)
		fmt.Fprintln(out, "Please review the file carefully before proceeding.")
	}
}
