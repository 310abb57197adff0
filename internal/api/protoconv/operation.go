package protoconv

import (
	"fmt"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"speech-engine-bridge/internal/jobs"
)

// Operation renders a job snapshot as a long-running operation named by
// the job id.
func Operation(v jobs.View) (*longrunningpb.Operation, error) {
	progress := int32(0)
	if v.Done() {
		progress = 100
	}
	meta, err := anypb.New(&speechpb.LongRunningRecognizeMetadata{
		ProgressPercent: progress,
		StartTime:       timestamppb.New(v.CreatedAt),
		LastUpdateTime:  timestamppb.New(v.UpdatedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("protoconv: metadata: %w", err)
	}

	op := &longrunningpb.Operation{
		Name:     v.ID,
		Metadata: meta,
		Done:     v.Done(),
	}
	switch v.Status {
	case jobs.StatusDone:
		resp, err := anypb.New(LongRunningResponse(v.Result))
		if err != nil {
			return nil, fmt.Errorf("protoconv: response: %w", err)
		}
		op.Result = &longrunningpb.Operation_Response{Response: resp}
	case jobs.StatusError:
		op.Result = &longrunningpb.Operation_Error{
			Error: status.New(Code(v.Err), v.Err.Error()).Proto(),
		}
	}
	return op, nil
}
