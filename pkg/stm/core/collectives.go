package core

import (
	"fmt"

	"github.com/liuxfiu/gostm/pkg/stm/types"
)

// GenericAllGather implements the all-gather collective on top of nothing
// but Communicator's point-to-point Send/IRecv, for transports (like
// ReltCommunicator) that only give point-to-point primitives. Both shipped
// communicators use this so the collective logic exists exactly once.
func GenericAllGather(comm Communicator, value types.Message) ([]types.Message, error) {
	rank := comm.Rank()
	size := comm.Size()
	results := make([]types.Message, size)
	results[rank] = value

	for dest := 0; dest < size; dest++ {
		if dest == rank {
			continue
		}
		env := types.CollectiveEnvelope{Source: rank, Payload: value}
		if err := comm.Send(dest, env); err != nil {
			return nil, fmt.Errorf("allgather: send to rank %d: %w", dest, err)
		}
	}

	for received := 0; received < size-1; {
		msg, err := comm.IRecv().Wait()
		if err != nil {
			return nil, fmt.Errorf("allgather: receive: %w", err)
		}
		env, ok := msg.(types.CollectiveEnvelope)
		if !ok {
			continue
		}
		results[env.Source] = env.Payload
		received++
	}
	return results, nil
}

// GenericAllToAll implements the all-to-all collective on top of
// Communicator's point-to-point Send/IRecv. values must have one entry per
// rank, values[r] being the payload destined for rank r.
func GenericAllToAll(comm Communicator, values []types.Message) ([]types.Message, error) {
	rank := comm.Rank()
	size := comm.Size()
	if len(values) != size {
		return nil, fmt.Errorf("alltoall: need %d values, got %d", size, len(values))
	}
	results := make([]types.Message, size)
	results[rank] = values[rank]

	for dest := 0; dest < size; dest++ {
		if dest == rank {
			continue
		}
		env := types.CollectiveEnvelope{Source: rank, Payload: values[dest]}
		if err := comm.Send(dest, env); err != nil {
			return nil, fmt.Errorf("alltoall: send to rank %d: %w", dest, err)
		}
	}

	for received := 0; received < size-1; {
		msg, err := comm.IRecv().Wait()
		if err != nil {
			return nil, fmt.Errorf("alltoall: receive: %w", err)
		}
		env, ok := msg.(types.CollectiveEnvelope)
		if !ok {
			continue
		}
		results[env.Source] = env.Payload
		received++
	}
	return results, nil
}
