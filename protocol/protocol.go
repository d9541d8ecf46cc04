// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the multipart framing spoken between clients,
// the broker and workers.
//
// Worker-facing messages travel over a DEALER-ROUTER pair and carry an
// empty delimiter frame, keeping the envelope compatible with plain REQ
// peers. Client-facing messages travel over a REQ-ROUTER pair where the
// REQ socket supplies the delimiter itself.
package protocol

import (
	"errors"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// Commands on the worker-facing socket.
const (
	CmdReady   = "READY"
	CmdRequest = "REQUEST"
	CmdReply   = "REPLY"
)

// Reply status codes. OK and ERR originate from workers; FAIL is produced
// by the broker when a request exhausts its retry budget.
const (
	StatusOK     = "OK"
	StatusError  = "ERR"
	StatusFailed = "FAIL"
)

var (
	// ErrMalformed reports a frame sequence that does not follow the
	// framing rules of this package.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownCommand reports a worker-facing message whose command
	// frame is not one of Cmd*.
	ErrUnknownCommand = errors.New("unknown command")
)

// Request is an assignment delivered to a worker.
type Request struct {
	RequestID string
	Payload   []byte
}

// Reply is a worker's answer to an assignment, or the broker's verdict
// forwarded to a client.
type Reply struct {
	RequestID string
	Status    string
	Body      []byte
}

// BackendMessage is a parsed worker-to-broker message. WorkerID comes from
// the ROUTER identity frame. AnnouncedID is set for READY and must match
// WorkerID; RequestID, Status and Body are set for REPLY.
type BackendMessage struct {
	WorkerID    string
	Command     string
	AnnouncedID string
	RequestID   string
	Status      string
	Body        []byte
}

// FrontendRequest is a parsed client-to-broker submission. ClientID is the
// ROUTER identity frame, echoed verbatim when replying.
type FrontendRequest struct {
	ClientID  []byte
	RequestID string
	Payload   []byte
}

// ReadyMsg builds the announcement a worker sends once after connecting:
// ["", READY, workerID].
func ReadyMsg(workerID string) zmq4.Msg {
	return zmq4.NewMsgFrom(nil, []byte(CmdReady), []byte(workerID))
}

// AssignMsg builds a broker-to-worker assignment:
// [workerID, "", REQUEST, requestID, payload].
func AssignMsg(workerID, requestID string, payload []byte) zmq4.Msg {
	return zmq4.NewMsgFrom([]byte(workerID), nil, []byte(CmdRequest), []byte(requestID), payload)
}

// WorkerReplyMsg builds a worker-to-broker reply:
// ["", REPLY, requestID, status, body].
func WorkerReplyMsg(requestID, status string, body []byte) zmq4.Msg {
	return zmq4.NewMsgFrom(nil, []byte(CmdReply), []byte(requestID), []byte(status), body)
}

// CallMsg builds a client request: [requestID, payload]. The REQ socket
// prepends the delimiter frame on the wire.
func CallMsg(requestID string, payload []byte) zmq4.Msg {
	return zmq4.NewMsgFrom([]byte(requestID), payload)
}

// ClientReplyMsg builds a broker-to-client reply:
// [clientID, "", requestID, status, body].
func ClientReplyMsg(clientID []byte, requestID, status string, body []byte) zmq4.Msg {
	return zmq4.NewMsgFrom(clientID, nil, []byte(requestID), []byte(status), body)
}

// ParseBackend parses a message received on the broker's worker-facing
// ROUTER: [workerID, "", command, ...].
func ParseBackend(msg zmq4.Msg) (BackendMessage, error) {
	f := msg.Frames
	if len(f) < 3 {
		return BackendMessage{}, fmt.Errorf("%w: %d frames on backend", ErrMalformed, len(f))
	}
	if len(f[1]) != 0 {
		return BackendMessage{}, fmt.Errorf("%w: missing delimiter frame", ErrMalformed)
	}
	m := BackendMessage{
		WorkerID: string(f[0]),
		Command:  string(f[2]),
	}
	switch m.Command {
	case CmdReady:
		if len(f) != 4 {
			return BackendMessage{}, fmt.Errorf("%w: READY carries %d frames", ErrMalformed, len(f))
		}
		m.AnnouncedID = string(f[3])
	case CmdReply:
		if len(f) != 6 {
			return BackendMessage{}, fmt.Errorf("%w: REPLY carries %d frames", ErrMalformed, len(f))
		}
		m.RequestID = string(f[3])
		m.Status = string(f[4])
		m.Body = f[5]
		if m.Status != StatusOK && m.Status != StatusError {
			return BackendMessage{}, fmt.Errorf("%w: worker reply status %q", ErrMalformed, m.Status)
		}
	default:
		return BackendMessage{}, fmt.Errorf("%w: %q", ErrUnknownCommand, m.Command)
	}
	return m, nil
}

// ParseAssignment parses a broker-to-worker message as seen by the worker's
// DEALER: ["", REQUEST, requestID, payload].
func ParseAssignment(msg zmq4.Msg) (Request, error) {
	f := msg.Frames
	if len(f) != 4 || len(f[0]) != 0 {
		return Request{}, fmt.Errorf("%w: %d frames on worker socket", ErrMalformed, len(f))
	}
	if string(f[1]) != CmdRequest {
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, string(f[1]))
	}
	if len(f[2]) == 0 {
		return Request{}, fmt.Errorf("%w: empty request id", ErrMalformed)
	}
	return Request{RequestID: string(f[2]), Payload: f[3]}, nil
}

// ParseFrontend parses a message received on the broker's client-facing
// ROUTER: [clientID, "", requestID, payload].
func ParseFrontend(msg zmq4.Msg) (FrontendRequest, error) {
	f := msg.Frames
	if len(f) != 4 {
		return FrontendRequest{}, fmt.Errorf("%w: %d frames on frontend", ErrMalformed, len(f))
	}
	if len(f[1]) != 0 {
		return FrontendRequest{}, fmt.Errorf("%w: missing delimiter frame", ErrMalformed)
	}
	if len(f[2]) == 0 {
		return FrontendRequest{}, fmt.Errorf("%w: empty request id", ErrMalformed)
	}
	return FrontendRequest{ClientID: f[0], RequestID: string(f[2]), Payload: f[3]}, nil
}

// ParseClientReply parses a broker reply as seen by the client's REQ
// socket: [requestID, status, body].
func ParseClientReply(msg zmq4.Msg) (Reply, error) {
	f := msg.Frames
	if len(f) != 3 {
		return Reply{}, fmt.Errorf("%w: %d frames in reply", ErrMalformed, len(f))
	}
	r := Reply{RequestID: string(f[0]), Status: string(f[1]), Body: f[2]}
	switch r.Status {
	case StatusOK, StatusError, StatusFailed:
		return r, nil
	default:
		return Reply{}, fmt.Errorf("%w: reply status %q", ErrMalformed, r.Status)
	}
}
