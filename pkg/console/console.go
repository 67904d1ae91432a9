// Package console drives a sync session from a terminal.
//
// It renders log events as lines and progress events as a bar, and answers
// deletion and conflict requests either from a fixed policy or by prompting
// on the input stream. Without a TTY, or in plain mode, progress is printed
// as occasional log lines instead of a bar.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
	"github.com/paulschiretz/pgl-sync/pkg/syncmsg"
)

var (
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

// plainStep is the progress increase between two lines in plain mode.
const plainStep = 0.1

// Options configures a Console.
type Options struct {
	In  io.Reader
	Out io.Writer
	// AssumeYes confirms every deletion without asking.
	AssumeYes bool
	// Conflict is "ask", "local", "remote" or "skip".
	Conflict string
	// Plain disables the progress bar. It is forced on when Out is not a terminal.
	Plain bool
	// Width of the progress bar in cells.
	Width int
}

// Console is the caller side of one session.
type Console struct {
	in    *lineReader
	out   io.Writer
	opts  Options
	plain bool

	bar        progress.Model
	barVisible bool
	lastPlain  float64
	lastLabel  string
}

// New returns a Console for opts. Nil streams select stdin and stdout.
func New(opts Options) *Console {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Width <= 0 {
		opts.Width = 40
	}
	if opts.Conflict == "" {
		opts.Conflict = "ask"
	}

	plain := opts.Plain || !isTerminal(opts.Out)
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(opts.Width))
	return &Console{
		in:        newLineReader(opts.In),
		out:       opts.Out,
		opts:      opts,
		plain:     plain,
		bar:       bar,
		lastPlain: -1,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Drive reads events from sess until the terminal one and returns it. Replies
// are sent as requests arrive.
func (c *Console) Drive(sess *syncmsg.Session) syncmsg.Event {
	events := sess.Events()
	for {
		ev, ok := <-events
		if !ok {
			return syncmsg.Event{Kind: syncmsg.Stopped}
		}
		if done, final := c.handle(sess, ev); done {
			return final
		}
	}
}

// handle processes one event and reports whether it ended the session.
func (c *Console) handle(sess *syncmsg.Session, ev syncmsg.Event) (bool, syncmsg.Event) {
	switch ev.Kind {
	case syncmsg.Log:
		c.println(gray.Render(ev.Text))
	case syncmsg.Progress:
		c.progress(ev.Fraction, ev.Label)
	case syncmsg.ConfirmDeletion:
		reply, final, ended := c.confirmDeletion(sess, ev.Path)
		if ended {
			return true, final
		}
		sess.Send(reply.For(ev))
	case syncmsg.AskForConflictResolution:
		reply, final, ended := c.resolveConflict(sess, ev.Path)
		if ended {
			return true, final
		}
		sess.Send(reply.For(ev))
	case syncmsg.Complete:
		c.println(green.Render("Sync complete"))
		return true, ev
	case syncmsg.Stopped:
		c.println(yellow.Render("Sync stopped"))
		return true, ev
	case syncmsg.Failed:
		c.println(red.Render("Sync failed: " + ev.Text))
		return true, ev
	}
	return false, syncmsg.Event{}
}

func (c *Console) confirmDeletion(sess *syncmsg.Session, path string) (syncmsg.Reply, syncmsg.Event, bool) {
	if c.opts.AssumeYes {
		c.println(red.Render("Deleting " + path))
		return syncmsg.Confirm(true, true), syncmsg.Event{}, false
	}
	question := fmt.Sprintf("%s %s? [y]es / [n]o / [a]ll / n[o]ne / [q]uit: ", red.Render("Delete"), path)
	for {
		answer, final, ended := c.ask(sess, question)
		if ended {
			return syncmsg.Reply{}, final, true
		}
		switch answer {
		case "y", "yes":
			return syncmsg.Confirm(true, false), syncmsg.Event{}, false
		case "", "n", "no":
			return syncmsg.Confirm(false, false), syncmsg.Event{}, false
		case "a", "all":
			return syncmsg.Confirm(true, true), syncmsg.Event{}, false
		case "o", "none":
			return syncmsg.Confirm(false, true), syncmsg.Event{}, false
		case "q", "quit":
			return c.quit(), syncmsg.Event{}, false
		}
	}
}

func (c *Console) resolveConflict(sess *syncmsg.Session, path string) (syncmsg.Reply, syncmsg.Event, bool) {
	if c.opts.Conflict != "ask" {
		res, err := snapshot.ParseResolution(c.opts.Conflict)
		if err == nil {
			if res == snapshot.Skip {
				c.println(yellow.Render("Conflict on " + path + ": skipped"))
			} else {
				c.println(yellow.Render(fmt.Sprintf("Conflict on %s: keeping %s", path, res)))
			}
			return syncmsg.Resolve(res), syncmsg.Event{}, false
		}
	}
	question := fmt.Sprintf("%s %s changed on both sides. Keep [l]ocal / [r]emote / [s]kip / [q]uit: ", yellow.Render("Conflict:"), path)
	for {
		answer, final, ended := c.ask(sess, question)
		if ended {
			return syncmsg.Reply{}, final, true
		}
		switch answer {
		case "l", "local":
			return syncmsg.Resolve(snapshot.KeepLocal), syncmsg.Event{}, false
		case "r", "remote":
			return syncmsg.Resolve(snapshot.KeepRemote), syncmsg.Event{}, false
		case "", "s", "skip":
			return syncmsg.Resolve(snapshot.Skip), syncmsg.Event{}, false
		case "q", "quit":
			return c.quit(), syncmsg.Event{}, false
		}
	}
}

// quit asks the run to stop. Drive keeps reading until the Stopped event.
func (c *Console) quit() syncmsg.Reply {
	c.println(yellow.Render("Stopping..."))
	return syncmsg.StopReply()
}

// ask prints question and waits for one input line. Events arriving in the
// meantime are still handled, so a run that stops while waiting ends the
// prompt. End of input counts as the empty answer.
func (c *Console) ask(sess *syncmsg.Session, question string) (string, syncmsg.Event, bool) {
	c.clearBar()
	fmt.Fprint(c.out, question)
	lines := c.in.next()
	events := sess.Events()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(c.out)
				return "", syncmsg.Event{}, false
			}
			return strings.ToLower(strings.TrimSpace(line)), syncmsg.Event{}, false
		case ev, ok := <-events:
			if !ok {
				fmt.Fprintln(c.out)
				return "", syncmsg.Event{Kind: syncmsg.Stopped}, true
			}
			if ev.Kind.IsTerminal() {
				fmt.Fprintln(c.out)
				c.handle(sess, ev)
				return "", ev, true
			}
		}
	}
}

func (c *Console) progress(fraction float64, label string) {
	if c.plain {
		// One line per step, plus one whenever a new file starts.
		base := label
		if i := strings.LastIndex(label, " ("); i > 0 {
			base = label[:i]
		}
		if fraction-c.lastPlain < plainStep && base == c.lastLabel && fraction < 1 {
			return
		}
		c.lastPlain = fraction
		c.lastLabel = base
		fmt.Fprintf(c.out, "%3.0f%% %s\n", fraction*100, label)
		return
	}
	fmt.Fprintf(c.out, "\r%s %s\x1b[K", c.bar.ViewAs(fraction), cyan.Render(label))
	c.barVisible = true
}

func (c *Console) clearBar() {
	if c.barVisible {
		fmt.Fprint(c.out, "\r\x1b[K")
		c.barVisible = false
	}
}

func (c *Console) println(s string) {
	c.clearBar()
	fmt.Fprintln(c.out, s)
}

// lineReader reads input lines on its own goroutine so a prompt can wait on
// input and events at the same time. The goroutine is started on first use.
type lineReader struct {
	r       io.Reader
	lines   chan string
	started bool
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: r, lines: make(chan string)}
}

func (l *lineReader) next() <-chan string {
	if !l.started {
		l.started = true
		go func() {
			defer close(l.lines)
			sc := bufio.NewScanner(l.r)
			for sc.Scan() {
				l.lines <- sc.Text()
			}
		}()
	}
	return l.lines
}
