package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"example.com/bpm-party/internal/game"
	"example.com/bpm-party/internal/protocol"
	"example.com/bpm-party/internal/session"
	"github.com/skip2/go-qrcode"
)

const hostHelp = `commands:
  accept ID|N    admit a pending player (N is the position in the list)
  reject ID|N    turn a pending player away
  start          start the game
  round D T      start a round of D seconds aiming at T bpm
  scores         reveal the round scores
  next           configure the next round
  final          reveal the final standings
  board          print the leaderboard
  quit           close the room`

const guestHelp = `commands:
  <enter>        tap
  r              reset your reading
  board          print the leaderboard
  quit           leave the room`

var errUnknownCommand = errors.New("unknown command, type help")

// console renders controller events as text and turns input lines into
// controller calls.
type console struct {
	ctrl      *session.Controller
	shareBase string
	qr        bool

	mu  sync.Mutex // guards out
	out io.Writer

	endOnce sync.Once
	ended   chan struct{}
	endErr  error
}

func newConsole(out io.Writer, shareBase string, qr bool) *console {
	return &console{
		out:       out,
		shareBase: shareBase,
		qr:        qr,
		ended:     make(chan struct{}),
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// hooks never call back into the controller; they only print.
func (c *console) hooks() session.Hooks {
	return session.Hooks{
		OnState: c.showState,
		OnNotice: func(n session.Notice) {
			c.printf("! %s\n", n.Text)
			if errors.Is(n.Err, session.ErrIdentityConflict) {
				return
			}
			c.end(n.Err)
		},
		OnPending: func(p []session.PendingJoin) {
			if len(p) == 0 {
				return
			}
			var b strings.Builder
			b.WriteString("waiting to join:\n")
			for i, j := range p {
				fmt.Fprintf(&b, "  %d) %s (%s)\n", i+1, j.Nickname, j.ID)
			}
			c.printf("%s", b.String())
		},
		OnTap: func(string) {
			c.printf("*")
		},
	}
}

func (c *console) end(err error) {
	c.endOnce.Do(func() {
		c.endErr = err
		close(c.ended)
	})
}

func (c *console) announce(room string) {
	link := protocol.ShareLink(c.shareBase, room)
	c.printf("room %s is open\nshare: %s\n", room, link)
	if !c.qr {
		return
	}
	q, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		c.printf("! cannot render qr code: %v\n", err)
		return
	}
	c.printf("%s\n", q.ToSmallString(false))
}

func (c *console) showState(s game.State) {
	var b strings.Builder
	switch s.Status {
	case game.StatusLobby:
		b.WriteString("[lobby]\n")
	case game.StatusRoom:
		fmt.Fprintf(&b, "[room] %d in the room\n", len(s.Roster))
	default:
		fmt.Fprintf(&b, "[%s]", strings.ToLower(string(s.Phase)))
		if s.Phase == game.PhaseActive {
			fmt.Fprintf(&b, " %ds left", s.Remaining)
		}
		if s.TargetRate > 0 {
			fmt.Fprintf(&b, " target %d bpm", s.TargetRate)
		}
		b.WriteString("\n")
		for _, p := range game.Leaderboard(s.Roster, s.TargetRate, game.ModeFor(s.Phase)) {
			fmt.Fprintf(&b, "  %-15s %3d bpm  round %d  total %d\n", p.Nickname, p.Rate, p.RoundScore, p.TotalScore)
		}
	}
	c.printf("%s", b.String())
}

func (c *console) showBoard() {
	rows := c.ctrl.Leaderboard()
	if len(rows) == 0 {
		c.printf("nobody to rank yet\n")
		return
	}
	var b strings.Builder
	for i, p := range rows {
		fmt.Fprintf(&b, "%2d. %-15s %3d bpm  round %d  total %d\n", i+1, p.Nickname, p.Rate, p.RoundScore, p.TotalScore)
	}
	c.printf("%s", b.String())
}

// loop feeds input lines to exec until quit, end of input, a terminal
// session notice or ctx cancellation.
func (c *console) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			case <-c.ended:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.ended:
			if errors.Is(c.endErr, session.ErrSessionClosed) {
				return nil
			}
			return c.endErr
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.exec(line)
			if err != nil {
				c.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (c *console) exec(line string) (quit bool, err error) {
	fields := strings.Fields(strings.ToLower(line))
	if c.ctrl.Role() == session.RoleHost {
		return c.execHost(fields)
	}
	return c.execGuest(fields)
}

func (c *console) execGuest(fields []string) (bool, error) {
	if len(fields) == 0 {
		rate, err := c.ctrl.Tap()
		if err != nil {
			return false, err
		}
		if rate > 0 {
			c.printf("%d bpm\n", rate)
		}
		return false, nil
	}
	switch fields[0] {
	case "r", "reset":
		return false, c.ctrl.ResetRate()
	case "board":
		c.showBoard()
		return false, nil
	case "help", "?":
		c.printf("%s\n", guestHelp)
		return false, nil
	case "q", "quit":
		return true, nil
	}
	return false, errUnknownCommand
}

func (c *console) execHost(fields []string) (bool, error) {
	if len(fields) == 0 {
		_, err := c.ctrl.Tap()
		return false, err
	}
	switch fields[0] {
	case "accept", "a":
		id, err := c.pendingID(fields)
		if err != nil {
			return false, err
		}
		return false, c.ctrl.Accept(id)
	case "reject", "x":
		id, err := c.pendingID(fields)
		if err != nil {
			return false, err
		}
		return false, c.ctrl.Reject(id)
	case "start":
		return false, c.ctrl.StartGame()
	case "round":
		if len(fields) != 3 {
			return false, errors.New("usage: round SECONDS BPM")
		}
		d, err1 := strconv.Atoi(fields[1])
		t, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			return false, errors.New("usage: round SECONDS BPM")
		}
		return false, c.ctrl.StartRound(d, t)
	case "scores":
		return false, c.ctrl.ShowScores()
	case "next":
		return false, c.ctrl.NextRound()
	case "final":
		return false, c.ctrl.ShowFinal()
	case "board":
		c.showBoard()
		return false, nil
	case "help", "?":
		c.printf("%s\n", hostHelp)
		return false, nil
	case "q", "quit":
		return true, nil
	}
	return false, errUnknownCommand
}

// pendingID resolves "accept 2" or "accept bpm-client-xxxxxx".
func (c *console) pendingID(fields []string) (string, error) {
	if len(fields) != 2 {
		return "", errors.New("usage: accept|reject ID")
	}
	pending := c.ctrl.Pending()
	if n, err := strconv.Atoi(fields[1]); err == nil {
		if n < 1 || n > len(pending) {
			return "", session.ErrUnknownRequest
		}
		return pending[n-1].ID, nil
	}
	return fields[1], nil
}
