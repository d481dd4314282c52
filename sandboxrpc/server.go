package sandboxrpc

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/roadrunner-server/goridge/v3/pkg/relay"
)

// Handlers are the worker binary's implementations of the RPC surface.
// StartExecution is dispatched asynchronously: the handler kicks off the
// execution and the worker later calls Server.PushExecutionFinished when it
// completes.
type Handlers struct {
	OpenModule           func(OpenModuleRequest) OpenModuleReply
	CloseModule          func(CloseModuleRequest)
	OpenMemory           func(OpenMemoryRequest)
	CloseMemory          func(CloseMemoryRequest)
	StartExecution       func(StartExecutionRequest)
	CreateExecutionState func(CreateExecutionStateRequest) CreateExecutionStateReply
	Terminate            func()
}

// Server is the worker-side counterpart of Client: it reads envelopes off a
// relay, dispatches to Handlers, and writes replies for the request/reply
// RPCs. Writes are serialized because replies and PushExecutionFinished
// share one relay stream.
type Server struct {
	rl relay.Relay
	h  Handlers

	writeMu sync.Mutex
}

func NewServer(rl relay.Relay, h Handlers) *Server {
	return &Server{rl: rl, h: h}
}

func (s *Server) writeEnvelope(env envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rl.Send(buf.Bytes(), 0)
}

func (s *Server) reply(id uint64, kind Kind, body interface{}) error {
	payload, err := encodePayload(body)
	if err != nil {
		return err
	}
	return s.writeEnvelope(envelope{ID: id, Kind: kind, Payload: payload})
}

// PushExecutionFinished sends the worker's unsolicited completion message
// for one execution.
func (s *Server) PushExecutionFinished(msg ExecutionFinished) error {
	payload, err := encodePayload(msg)
	if err != nil {
		return err
	}
	return s.writeEnvelope(envelope{ID: 0, Kind: KindExecutionFinished, Payload: payload})
}

// Serve reads and dispatches requests until the relay is closed or errors.
func (s *Server) Serve() error {
	for {
		data, _, err := s.rl.Receive()
		if err != nil {
			return err
		}
		var env envelope
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
			continue
		}
		s.dispatch(env)
	}
}

func (s *Server) dispatch(env envelope) {
	switch env.Kind {
	case KindOpenModule:
		var req OpenModuleRequest
		if decodePayload(env.Payload, &req) == nil && s.h.OpenModule != nil {
			_ = s.reply(env.ID, KindOpenModuleReply, s.h.OpenModule(req))
		}
	case KindCloseModule:
		var req CloseModuleRequest
		if decodePayload(env.Payload, &req) == nil && s.h.CloseModule != nil {
			s.h.CloseModule(req)
		}
	case KindOpenMemory:
		var req OpenMemoryRequest
		if decodePayload(env.Payload, &req) == nil && s.h.OpenMemory != nil {
			s.h.OpenMemory(req)
		}
	case KindCloseMemory:
		var req CloseMemoryRequest
		if decodePayload(env.Payload, &req) == nil && s.h.CloseMemory != nil {
			s.h.CloseMemory(req)
		}
	case KindStartExecution:
		var req StartExecutionRequest
		if decodePayload(env.Payload, &req) == nil && s.h.StartExecution != nil {
			s.h.StartExecution(req)
		}
	case KindCreateExecState:
		var req CreateExecutionStateRequest
		if decodePayload(env.Payload, &req) == nil && s.h.CreateExecutionState != nil {
			_ = s.reply(env.ID, KindCreateExecStateRply, s.h.CreateExecutionState(req))
		}
	case KindTerminate:
		if s.h.Terminate != nil {
			s.h.Terminate()
		}
	}
}
