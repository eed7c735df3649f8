package server

import (
	"context"
	"fmt"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/psvm/vm"
	"github.com/chazu/psvm/vm/snapshot"
)

// InspectService reports on the VM heap and on pinned objects.
type InspectService struct {
	worker  *VMWorker
	handles *HandleStore
}

// NewInspectService creates an InspectService.
func NewInspectService(worker *VMWorker, handles *HandleStore) *InspectService {
	return &InspectService{
		worker:  worker,
		handles: handles,
	}
}

// Describe answers {type, display, space, length, executable, access}
// for a handle.
func (s *InspectService) Describe(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[structpb.Struct], error) {
	id := req.Msg.GetValue()
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("handle is required"))
	}
	result, err := s.worker.Do(func(v *vm.VM) any {
		r, ok := s.handles.Lookup(id)
		if !ok {
			return nil
		}
		return describeRef(v, r)
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if result == nil {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", id))
	}
	return structResponse(result.(map[string]any))
}

// Stats answers {save_level, names, handles, spaces: [...]}.
func (s *InspectService) Stats(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	result, err := s.worker.Do(func(v *vm.VM) any {
		spaces := []any{}
		for _, st := range v.Stats() {
			spaces = append(spaces, map[string]any{
				"space":      st.Space.String(),
				"used":       st.Used,
				"allocated":  st.Allocated,
				"max":        st.Max,
				"chunks":     st.Chunks,
				"free_bytes": st.FreeBytes,
				"gc_count":   st.GCCount,
			})
		}
		return map[string]any{
			"save_level": v.Memory().SaveLevel(),
			"names":      v.Memory().Names().Len(),
			"handles":    s.handles.Len(),
			"spaces":     spaces,
		}
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return structResponse(result.(map[string]any))
}

// Collect runs a full collection and answers {marked, freed_bytes,
// freed_chunks, freed_names}.
func (s *InspectService) Collect(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	result, err := s.worker.Do(func(v *vm.VM) any {
		st := v.GC()
		return map[string]any{
			"marked":       st.Marked,
			"freed_bytes":  st.FreedBytes,
			"freed_chunks": st.FreedChunks,
			"freed_names":  st.FreedNames,
		}
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return structResponse(result.(map[string]any))
}

// Snapshot answers the CBOR heap snapshot, blocks and names included.
func (s *InspectService) Snapshot(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[wrapperspb.BytesValue], error) {
	result, err := s.worker.Do(func(v *vm.VM) any {
		return snapshot.Take(v, snapshot.Options{Blocks: true, Names: true})
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	data, err := snapshot.Marshal(result.(*snapshot.Snapshot))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(wrapperspb.Bytes(data)), nil
}

// describeRef must be called on the VM worker goroutine.
func describeRef(v *vm.VM, r vm.Ref) map[string]any {
	d := map[string]any{
		"type":       r.BType().String(),
		"display":    v.Format(r),
		"executable": r.IsExec(),
	}
	if r.IsComposite() {
		d["space"] = r.Space().String()
		d["access"] = accessName(r)
	}
	if r.IsArray() || r.Type() == vm.TString {
		d["length"] = r.Size()
	}
	return d
}

func accessName(r vm.Ref) string {
	switch {
	case r.HasAccess(vm.AWrite | vm.ARead | vm.AExecute):
		return "unlimited"
	case r.HasAccess(vm.ARead):
		return "readonly"
	case r.HasAccess(vm.AExecute):
		return "executeonly"
	}
	return "none"
}

func structResponse(m map[string]any) (*connect.Response[structpb.Struct], error) {
	msg, err := structpb.NewStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}
