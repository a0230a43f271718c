package daemon

import (
	"errors"
	"fmt"

	"dchat/internal/console"
	"dchat/internal/contact"
	"dchat/internal/debuglog"
	"dchat/internal/proto"
)

var (
	ErrNotIdentified   = errors.New("first PDU must be a discover")
	ErrIdentityChanged = errors.New("peer changed its identity")
)

// handleAccepted registers a connection a remote peer opened. Its identity
// stays unknown until the peer's first discover PDU.
func (r *Runner) handleAccepted(conn contact.Conn) {
	n, err := r.Store.Add(conn)
	if err != nil {
		debuglog.Errorf("could not add new contact: %v", err)
		_ = conn.Close()
		return
	}
	c, _ := r.Store.At(n)
	c.Accepted = true
	r.Metrics.IncContactAdded()
	debuglog.Infof("remote host (%d) connected", n)
	r.startReader(conn)
	r.sendContacts(n)
}

// handleDialed registers a connection the connector opened. The dialed
// address is the peer's identity.
func (r *Runner) handleDialed(conn contact.Conn, t Target) {
	n, err := r.Store.Add(conn)
	if err != nil {
		debuglog.Errorf("could not add new contact: %v", err)
		_ = conn.Close()
		return
	}
	c, _ := r.Store.At(n)
	c.Onion = t.Onion
	c.Port = t.Port
	c.Accepted = false
	r.Metrics.IncContactAdded()
	debuglog.Infof("connected to %s (%d)", t, n)
	r.startReader(conn)
	r.sendContacts(n)
}

func (r *Runner) sendContacts(n int) {
	if _, err := r.exchange.Send(n); err != nil {
		debuglog.Warnf("could not send contacts to %d: %v", n, err)
	}
}

func (r *Runner) handleReceived(conn contact.Conn, pdu proto.PDU) {
	n, ok := r.Store.IndexOf(conn)
	if !ok {
		return
	}
	if err := r.handleRemoteInput(n, pdu); err != nil {
		debuglog.Warnf("removing contact %d: %v", n, err)
		r.remove(n)
	}
}

func (r *Runner) handleRemoteInput(n int, pdu proto.PDU) error {
	c, err := r.Store.At(n)
	if err != nil {
		return err
	}
	if c.Pending() && pdu.Type != proto.TypeDiscover {
		return ErrNotIdentified
	}
	if c.Confirmed() && (c.Onion != pdu.Onion || c.Port != pdu.Port) {
		return fmt.Errorf("%w: %s:%d is now %s:%d", ErrIdentityChanged, c.Onion, c.Port, pdu.Onion, pdu.Port)
	}
	name := contact.CleanNickname(pdu.Nickname)
	if c.Name != "" && c.Name != name {
		debuglog.Infof("'%s' changed nickname to '%s'", c.Name, name)
	}
	c.Name = name
	c.Onion = pdu.Onion
	c.Port = pdu.Port

	switch pdu.Type {
	case proto.TypeText:
		r.Metrics.IncTextReceived()
		console.PrintMessage(r.out, c.Name, string(pdu.Content))
	case proto.TypeDiscover:
		if evict, dup := r.Store.CheckDuplicates(n); dup {
			debuglog.Infof("detected duplicate contact %s, removing slot %d", pdu.Onion, evict)
			r.Metrics.IncDuplicate()
			r.remove(evict)
		}
		if _, err := r.exchange.Receive(pdu); err != nil {
			debuglog.Warnf("could not add all contacts from the received list: %v", err)
		}
	default:
		debuglog.Warnf("unsupported content type %s from %s", pdu.Type, pdu.Onion)
	}
	return nil
}

func (r *Runner) handleClosed(conn contact.Conn, err error) {
	n, ok := r.Store.IndexOf(conn)
	if !ok {
		return
	}
	c, _ := r.Store.At(n)
	if c.Name != "" {
		debuglog.Infof("'%s' disconnected: %v", c.Name, err)
	} else {
		debuglog.Infof("contact %d disconnected: %v", n, err)
	}
	r.remove(n)
}

func (r *Runner) handleInput(line string) error {
	cmd, err := console.Parse(line)
	if err != nil {
		fmt.Fprintf(r.out, "%v\n", err)
		return nil
	}
	switch cmd.Kind {
	case console.Text:
		r.broadcast(cmd.Text)
	case console.Help:
		console.PrintHelp(r.out)
	case console.Connect:
		r.connector.forget(Target{Onion: cmd.Onion, Port: cmd.Port})
		if err := r.connector.RequestConnection(cmd.Onion, cmd.Port); err != nil {
			fmt.Fprintf(r.out, "connect: %v\n", err)
		}
	case console.List:
		console.PrintList(r.out, r.Store.List())
	case console.Stats:
		console.PrintStats(r.out, r.Metrics.Snapshot())
	case console.QR:
		if err := console.PrintQR(r.out, r.Self); err != nil {
			fmt.Fprintf(r.out, "qr: %v\n", err)
		}
	case console.Exit:
		return errExit
	}
	return nil
}

// broadcast sends text to every identified contact.
func (r *Runner) broadcast(text string) {
	pdu := proto.NewPDU(proto.TypeText, r.Self, []byte(text))
	data, err := proto.Encode(pdu)
	if err != nil {
		fmt.Fprintf(r.out, "message not sent: %v\n", err)
		return
	}
	sent := 0
	r.Store.Each(func(i int, c contact.Contact) bool {
		if c.Conn == nil || !c.Confirmed() {
			return true
		}
		if _, err := c.Conn.Write(data); err != nil {
			debuglog.Warnf("sending to %s failed: %v", c.Onion, err)
			return true
		}
		r.Metrics.IncTextSent()
		sent++
		return true
	})
	if sent == 0 {
		fmt.Fprintln(r.out, "no contacts to send to")
	}
}
