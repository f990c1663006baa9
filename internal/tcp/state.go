package tcp

import "fmt"

// State is one of the eleven states of the TCP connection FSM (RFC 793 §3.2).
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateListen:
		return "listen"
	case StateSynSent:
		return "syn_sent"
	case StateSynReceived:
		return "syn_received"
	case StateEstablished:
		return "established"
	case StateFinWait1:
		return "fin_wait_1"
	case StateFinWait2:
		return "fin_wait_2"
	case StateCloseWait:
		return "close_wait"
	case StateClosing:
		return "closing"
	case StateLastAck:
		return "last_ack"
	case StateTimeWait:
		return "time_wait"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}
