package daemon

import (
	"dchat/internal/contact"
	"dchat/internal/proto"
)

type event interface{ isEvent() }

type accepted struct {
	conn contact.Conn
}

type dialed struct {
	conn   contact.Conn
	target Target
}

type received struct {
	conn contact.Conn
	pdu  proto.PDU
}

type closed struct {
	conn contact.Conn
	err  error
}

// input and query are answered exactly once, by the loop or by drain.
type input struct {
	line string
	done chan<- error
}

type query struct {
	reply chan<- []contact.Contact
}

func (accepted) isEvent() {}
func (dialed) isEvent()   {}
func (received) isEvent() {}
func (closed) isEvent()   {}
func (input) isEvent()    {}
func (query) isEvent()    {}
