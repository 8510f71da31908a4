package cmd

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/charmbracelet/huh"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/present"
)

var (
	needsArgRe   = regexp.MustCompile(`^flag needs an argument: (?:'\w' in )?(-{1,2}[\w-]+)`)
	unknownRe    = regexp.MustCompile(`^unknown (?:shorthand )?flag: (?:'\w' in )?(-{1,2}[\w-]+)`)
	invalidArgRe = regexp.MustCompile(`^invalid argument ".*" for "(.+?)" flag`)
)

// flagParseError turns pflag's parse errors into a flag name and a reason.
type flagParseError struct {
	err    error
	reason string
	flag   string
}

func newFlagParseError(err error) flagParseError {
	s := err.Error()
	fe := flagParseError{err: err, reason: s}
	switch {
	case needsArgRe.MatchString(s):
		fe.reason = "Flag %s needs an argument."
		fe.flag = needsArgRe.FindStringSubmatch(s)[1]
	case unknownRe.MatchString(s):
		fe.reason = "Flag %s is missing."
		fe.flag = unknownRe.FindStringSubmatch(s)[1]
	case invalidArgRe.MatchString(s):
		fe.reason = "Flag %s have an invalid argument."
		fe.flag = invalidArgRe.FindStringSubmatch(s)[1]
	}
	return fe
}

func (f flagParseError) Error() string        { return f.err.Error() }
func (f flagParseError) ReasonFormat() string { return f.reason }
func (f flagParseError) Flag() string         { return f.flag }

// handleError prints err to w: flag errors point at the help, errs.Error
// values print their reason above the details.
func handleError(w io.Writer, err error) {
	styles := present.StderrStyles()
	const format = "\n%s\n\n"

	var ferr flagParseError
	if errors.As(err, &ferr) {
		reason := ferr.ReasonFormat()
		if ferr.Flag() != "" {
			reason = fmt.Sprintf(reason, styles.InlineCode.Render(ferr.Flag()))
		}
		_, _ = fmt.Fprintf(w, format+"%s\n\n",
			fmt.Sprintf("Check out %s %s", styles.InlineCode.Render("yagent -h"), styles.Comment.Render("for help.")),
			reason,
		)
		return
	}

	var eerr errs.Error
	if errors.As(err, &eerr) {
		_, _ = fmt.Fprintf(w, format, styles.ErrPadding.Render(styles.ErrorHeader.String(), eerr.Reason))
		if eerr.Err != nil && !errors.Is(eerr.Err, huh.ErrUserAborted) {
			_, _ = fmt.Fprintf(w, "%s\n\n", styles.ErrPadding.Render(styles.ErrorDetails.Render(eerr.Err.Error())))
		}
		return
	}

	_, _ = fmt.Fprintf(w, format, styles.ErrPadding.Render(styles.ErrorDetails.Render(err.Error())))
}

