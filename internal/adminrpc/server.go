package adminrpc

import (
	"context"
	"fmt"

	"github.com/n0remac/sfu-control-plane/internal/engine"
	"github.com/n0remac/sfu-control-plane/internal/room"
)

// Server is the concrete AdminServer backing cmd/sfu's optional admin
// listener, reading straight off the engine's worker pool and the room
// lobby rather than keeping its own bookkeeping.
type Server struct {
	engine *engine.Engine
	lobby  *room.Lobby
}

// NewServer builds an AdminServer over the process's engine and lobby.
func NewServer(eng *engine.Engine, lobby *room.Lobby) *Server {
	return &Server{engine: eng, lobby: lobby}
}

func (s *Server) ListRooms(ctx context.Context, req *ListRoomsRequest) (*ListRoomsResponse, error) {
	return &ListRoomsResponse{RoomIDs: s.lobby.Rooms()}, nil
}

func (s *Server) ListWorkers(ctx context.Context, req *ListWorkersRequest) (*ListWorkersResponse, error) {
	workers := s.engine.Workers()
	out := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		out = append(out, WorkerInfo{ID: w.ID(), Closed: w.Closed(), Routers: w.RouterCount()})
	}
	return &ListWorkersResponse{Workers: out}, nil
}

func (s *Server) GetWorkerResourceUsage(ctx context.Context, req *GetWorkerResourceUsageRequest) (*GetWorkerResourceUsageResponse, error) {
	for _, w := range s.engine.Workers() {
		if w.ID() != req.WorkerID {
			continue
		}
		usage, err := w.ResourceUsage(ctx)
		if err != nil {
			return nil, err
		}
		return &GetWorkerResourceUsageResponse{UsageJSON: string(usage)}, nil
	}
	return nil, fmt.Errorf("adminrpc: unknown worker %q", req.WorkerID)
}
