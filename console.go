package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"tablesync/pkg/document"
	"tablesync/pkg/session"
)

const consoleHelp = `commands:
  put <id> <type> [key=value ...]   add or replace a record
  rm <id> [id ...]                  remove records
  log <action> [cards-in-hand]      record an action
  roll [sides]                      roll a die (default d6)
  name <display name>               change your display name
  who                               list connected peers
  doc                               list records
  history [n]                       show the last n actions (default 10)
  quit                              leave the table`

// console is the line-oriented command loop shared by every peer command.
type console struct {
	sess *session.Session
	in   *bufio.Reader
	out  io.Writer
}

func newConsole(sess *session.Session, in *bufio.Reader, out io.Writer) *console {
	return &console{sess: sess, in: in, out: out}
}

// Run reads commands until quit, end of input or ctx is done.
func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := c.in.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			if quit := c.exec(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// exec runs one command and reports whether the loop should stop.
func (c *console) exec(line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "put":
		c.put(args)
	case "rm":
		if len(args) == 0 {
			fmt.Fprintln(c.out, "usage: rm <id> [id ...]")
			return false
		}
		c.sess.Document().Remove(args...)
	case "log":
		c.log(args)
	case "roll":
		c.roll(args)
	case "name":
		if len(args) == 0 {
			fmt.Fprintln(c.out, "usage: name <display name>")
			return false
		}
		c.sess.SetDisplayName(strings.Join(args, " "))
	case "who":
		c.who()
	case "doc":
		c.doc()
	case "history":
		c.history(args)
	default:
		fmt.Fprintf(c.out, "unknown command %q; try help\n", cmd)
	}
	return false
}

func (c *console) put(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "usage: put <id> <type> [key=value ...]")
		return
	}
	r := document.Record{ID: args[0], TypeName: args[1]}
	for _, kv := range args[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			fmt.Fprintf(c.out, "bad property %q, want key=value\n", kv)
			return
		}
		if r.Props == nil {
			r.Props = make(map[string]any)
		}
		r.Props[k] = parseValue(v)
	}
	c.sess.Document().Put(r)
}

// parseValue keeps numbers and booleans typed so they survive a JSON round
// trip unchanged.
func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func (c *console) log(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "usage: log <action> [cards-in-hand]")
		return
	}
	cards := 0
	if n, err := strconv.Atoi(args[len(args)-1]); err == nil && len(args) > 1 {
		cards = n
		args = args[:len(args)-1]
	}
	if _, err := c.sess.Record(strings.Join(args, " "), cards); err != nil {
		fmt.Fprintf(c.out, "not logged: %v\n", err)
	}
}

func (c *console) roll(args []string) {
	sides := 6
	if len(args) > 0 {
		n, err := strconv.Atoi(strings.TrimPrefix(args[0], "d"))
		if err != nil {
			fmt.Fprintf(c.out, "bad die %q\n", args[0])
			return
		}
		sides = n
	}
	n, err := c.sess.Roll(sides)
	if err != nil {
		fmt.Fprintf(c.out, "no roll: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "d%d: %d\n", sides, n)
}

func (c *console) who() {
	st := c.sess.Status()
	fmt.Fprintf(c.out, "room %s, you are %s", st.RoomID, st.LocalID)
	if st.DisplayName != "" {
		fmt.Fprintf(c.out, " (%s)", st.DisplayName)
	}
	fmt.Fprintln(c.out)
	if len(st.Peers) == 0 {
		fmt.Fprintln(c.out, "no peers connected")
		return
	}
	for _, p := range st.Peers {
		state := "offline"
		switch {
		case p.Online:
			state = "online"
		case p.Open:
			state = "connected"
		}
		name := p.DisplayName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(c.out, "  %s  %s  %s", p.ID, name, state)
		if !p.SnapshotApplied {
			fmt.Fprintf(c.out, "  syncing (%d pending)", p.PendingDiffs)
		}
		fmt.Fprintln(c.out)
	}
}

func (c *console) doc() {
	d := c.sess.Document()
	ids := d.IDs()
	if len(ids) == 0 {
		fmt.Fprintln(c.out, "document is empty")
		return
	}
	for _, id := range ids {
		r, ok := d.Get(id)
		if !ok {
			continue
		}
		fmt.Fprintf(c.out, "  %s  %s  %v\n", r.ID, r.TypeName, r.Props)
	}
}

func (c *console) history(args []string) {
	n := 10
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			n = v
		}
	}
	entries := c.sess.History(n)
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "no actions yet")
		return
	}
	for _, e := range entries {
		who := e.PlayerName
		if who == "" {
			who = e.PlayerID
		}
		ts := time.UnixMilli(e.Timestamp).Format(time.Kitchen)
		fmt.Fprintf(c.out, "  %s  %s: %s (%d in hand)\n", ts, who, e.Action, e.CardsInHand)
	}
}
