// Package console parses local input lines and renders contact state for the
// terminal.
package console

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mdp/qrterminal/v3"

	"dchat/internal/contact"
	"dchat/internal/metrics"
)

type Kind int

const (
	None Kind = iota
	Text
	Help
	Connect
	List
	Stats
	QR
	Exit
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrSyntax         = errors.New("command syntax")
)

type Command struct {
	Kind  Kind
	Text  string
	Onion contact.OnionID
	Port  uint16
}

type commandSpec struct {
	kind   Kind
	syntax string
	help   string
}

var commands = map[string]commandSpec{
	"/help":    {Help, "/help", "show available commands"},
	"/connect": {Connect, "/connect <onion-id> <port>", "connect to a peer"},
	"/list":    {List, "/list", "list contacts"},
	"/stats":   {Stats, "/stats", "show protocol counters"},
	"/qr":      {QR, "/qr", "show your contact line as QR code"},
	"/exit":    {Exit, "/exit", "leave the chat"},
}

var commandOrder = []string{"/help", "/connect", "/list", "/stats", "/qr", "/exit"}

// Parse classifies one input line. Lines not starting with "/" are chat text.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Command{Kind: None}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: Text, Text: line}, nil
	}
	fields := strings.Fields(line)
	sp, ok := commands[strings.ToLower(fields[0])]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
	args := fields[1:]
	if sp.kind != Connect {
		if len(args) != 0 {
			return Command{}, fmt.Errorf("%w: %s", ErrSyntax, sp.syntax)
		}
		return Command{Kind: sp.kind}, nil
	}
	if len(args) != 2 {
		return Command{}, fmt.Errorf("%w: %s", ErrSyntax, sp.syntax)
	}
	port, err := contact.ParsePort(args[1])
	if err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrSyntax, err)
	}
	onion, err := contact.ParseOnionID(args[0])
	if err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrSyntax, err)
	}
	return Command{Kind: Connect, Onion: onion, Port: port}, nil
}

func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, "Available commands:")
	for _, name := range commandOrder {
		sp := commands[name]
		fmt.Fprintf(w, "  %-28s %s\n", sp.syntax, sp.help)
	}
}

func PrintList(w io.Writer, contacts []contact.Contact) {
	if len(contacts) == 0 {
		fmt.Fprintln(w, "No contacts found in the contact list")
		return
	}
	for _, c := range contacts {
		state := "confirmed"
		if c.Pending() {
			state = "pending"
		}
		dir := "outbound"
		if c.Accepted {
			dir = "inbound"
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Contact................%s\n", c.Name)
		fmt.Fprintf(w, "Onion-ID...............%s\n", c.Onion)
		fmt.Fprintf(w, "Hidden-Port............%d\n", c.Port)
		fmt.Fprintf(w, "State..................%s, %s\n", state, dir)
	}
}

func PrintStats(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "contacts: added=%d removed=%d duplicates=%d\n",
		snap.Contacts.Added, snap.Contacts.Removed, snap.Contacts.Duplicates)
	fmt.Fprintf(w, "discover: sent=%d received=%d new=%d rejected_lines=%d\n",
		snap.Discover.Sent, snap.Discover.Received, snap.Discover.NewContacts, snap.Discover.LinesRejected)
	fmt.Fprintf(w, "connect:  requested=%d dropped=%d failed=%d\n",
		snap.Connect.Requested, snap.Connect.Dropped, snap.Connect.Failed)
	fmt.Fprintf(w, "text:     sent=%d received=%d\n", snap.Text.Sent, snap.Text.Received)
}

// PrintQR renders me's contact line so a peer can copy it into /connect.
func PrintQR(w io.Writer, me contact.Contact) error {
	line, err := me.Line()
	if err != nil {
		return err
	}
	text := strings.TrimSuffix(line, "\n")
	fmt.Fprintln(w, text)
	qrterminal.GenerateWithConfig(text, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	return nil
}

var nickColor = color.New(color.FgCyan, color.Bold)

// PrintMessage renders received chat text with a colored nickname unless
// color.NoColor is set.
func PrintMessage(w io.Writer, nick, text string) {
	if nick == "" {
		nick = "anonymous"
	}
	nickColor.Fprint(w, nick)
	fmt.Fprintf(w, ": %s\n", text)
}
