package pipeline

import (
	"context"
	"fmt"

	"chunkseal/internal/chunk"
	"chunkseal/internal/merkle"
)

// Request is one of the operations a front end can hand to Handle. The set
// is closed: ProcessChunkRequest, ProcessBatchRequest, FinalizeRequest,
// ProofRequest, CleanupRequest and RotateKeysRequest.
type Request interface {
	request()
}

type ProcessChunkRequest struct {
	Task chunk.Task
}

type ProcessBatchRequest struct {
	SessionID string
	Tasks     []chunk.Task
}

type FinalizeRequest struct {
	SessionID string
}

type ProofRequest struct {
	SessionID  string
	SequenceNo uint64
}

type CleanupRequest struct {
	SessionID string
}

type RotateKeysRequest struct{}

func (ProcessChunkRequest) request() {}
func (ProcessBatchRequest) request() {}
func (FinalizeRequest) request()     {}
func (ProofRequest) request()        {}
func (CleanupRequest) request()      {}
func (RotateKeysRequest) request()   {}

// Response carries whichever fields the handled request produces.
type Response struct {
	Results    []chunk.Result
	Root       string
	Proof      *merkle.Proof
	Generation uint64
}

// Handle dispatches req. Chunk failures are reported in Response.Results,
// not as an error.
func (p *Pipeline) Handle(ctx context.Context, req Request) (Response, error) {
	switch r := req.(type) {
	case ProcessChunkRequest:
		return Response{Results: []chunk.Result{p.ProcessChunk(ctx, r.Task)}}, nil
	case ProcessBatchRequest:
		return Response{Results: p.ProcessBatch(ctx, r.SessionID, r.Tasks)}, nil
	case FinalizeRequest:
		root, err := p.Finalize(ctx, r.SessionID)
		return Response{Root: root}, err
	case ProofRequest:
		proof, err := p.Proof(r.SessionID, r.SequenceNo)
		if err != nil {
			return Response{}, err
		}
		return Response{Proof: proof, Root: proof.RootHash}, nil
	case CleanupRequest:
		return Response{}, p.Cleanup(r.SessionID)
	case RotateKeysRequest:
		return Response{Generation: p.RotateKeys()}, nil
	default:
		return Response{}, fmt.Errorf("pipeline: unsupported request %T", req)
	}
}
