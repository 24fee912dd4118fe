package eval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/go-viper/mapstructure/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/grpcutil"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "llmeval.v1.EvalTaskService"

// ErrorCodes maps the package's sentinel errors to gRPC codes.
var ErrorCodes = []grpcutil.ErrorCode{
	{Target: ErrNotFound, Code: codes.NotFound},
	{Target: datasets.ErrNotFound, Code: codes.NotFound},
	{Target: ErrInvalidArgument, Code: codes.InvalidArgument},
	{Target: ErrInvalidTransition, Code: codes.FailedPrecondition},
	{Target: ErrTaskTerminal, Code: codes.FailedPrecondition},
	{Target: ErrTaskRunning, Code: codes.AlreadyExists},
	{Target: ErrStatusConflict, Code: codes.Aborted},
	{Target: ErrConfiguration, Code: codes.InvalidArgument},
}

// EvalTaskServer is the server side of the task service. Requests and
// responses are google.protobuf.Struct messages.
type EvalTaskServer interface {
	CreateTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListTasks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateParams(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdatePrompts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Advance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetProgress(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetResults(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Export(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(srv EvalTaskServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EvalTaskServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(EvalTaskServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the task service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvalTaskServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateTask", EvalTaskServer.CreateTask),
		unaryMethod("GetTask", EvalTaskServer.GetTask),
		unaryMethod("ListTasks", EvalTaskServer.ListTasks),
		unaryMethod("UpdateParams", EvalTaskServer.UpdateParams),
		unaryMethod("UpdatePrompts", EvalTaskServer.UpdatePrompts),
		unaryMethod("Advance", EvalTaskServer.Advance),
		unaryMethod("Cancel", EvalTaskServer.Cancel),
		unaryMethod("GetProgress", EvalTaskServer.GetProgress),
		unaryMethod("GetResults", EvalTaskServer.GetResults),
		unaryMethod("Export", EvalTaskServer.Export),
	},
	Metadata: "llmeval/v1/eval_task.proto",
}

// Handler implements EvalTaskServer on top of Service.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler creates a new task service handler.
func NewHandler(logger *slog.Logger, svc *Service) *Handler {
	return &Handler{
		logger:  logger.With("component", "handler"),
		service: svc,
	}
}

// Register registers the handler with a gRPC server.
func (h *Handler) Register(s *grpc.Server) {
	s.RegisterService(&ServiceDesc, h)
}

// CreateTask creates a task from the request fields.
func (h *Handler) CreateTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var input CreateTaskInput
	if err := decodeRequest(req, &input); err != nil {
		return nil, err
	}
	h.logger.InfoContext(ctx, "creating task", "name", input.Name, "model", input.ModelID)

	task, err := h.service.CreateTask(ctx, input)
	if err != nil {
		return nil, err
	}
	return encodeResponse("task", task)
}

// GetTask returns one task.
func (h *Handler) GetTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(req)
	if err != nil {
		return nil, err
	}
	task, err := h.service.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return encodeResponse("task", task)
}

// ListTasks returns a page of tasks.
func (h *Handler) ListTasks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var query ListTasksQuery
	if err := decodeRequest(req, &query); err != nil {
		return nil, err
	}
	tasks, total, err := h.service.ListTasks(ctx, query)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return encodeFields(map[string]any{"tasks": tasks, "total_count": total})
}

// UpdateParams edits the parameters of a task in CONFIG_PARAMS.
func (h *Handler) UpdateParams(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(req)
	if err != nil {
		return nil, err
	}
	var in UpdateParamsInput
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	task, err := h.service.UpdateParams(ctx, id, in)
	if err != nil {
		return nil, err
	}
	return encodeResponse("task", task)
}

// UpdatePrompts replaces the prompt configuration.
func (h *Handler) UpdatePrompts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(req)
	if err != nil {
		return nil, err
	}
	var prompts PromptConfig
	if err := decodeRequest(req, &prompts); err != nil {
		return nil, err
	}
	task, err := h.service.UpdatePrompts(ctx, id, prompts)
	if err != nil {
		return nil, err
	}
	return encodeResponse("task", task)
}

// Advance moves a task one step forward.
func (h *Handler) Advance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(req)
	if err != nil {
		return nil, err
	}
	h.logger.InfoContext(ctx, "advancing task", "task_id", id)

	task, err := h.service.Advance(ctx, id)
	if err != nil {
		return nil, err
	}
	return encodeResponse("task", task)
}

// Cancel cancels a task.
func (h *Handler) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(req)
	if err != nil {
		return nil, err
	}
	h.logger.InfoContext(ctx, "cancelling task", "task_id", id)

	task, err := h.service.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	return encodeResponse("task", task)
}

// GetProgress reports progress and ETA.
func (h *Handler) GetProgress(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(req)
	if err != nil {
		return nil, err
	}
	p, err := h.service.GetProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	return encodeResponse("progress", p)
}

// GetResults returns answers, evaluations and the aggregate.
func (h *Handler) GetResults(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(req)
	if err != nil {
		return nil, err
	}
	res, err := h.service.GetResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return encodeResponse("results", res)
}

// ExportRequest is the wire form of an export. Exactly one of Path and S3
// names the destination.
type ExportRequest struct {
	ID     string         `json:"id" mapstructure:"id"`
	Format string         `json:"format,omitempty" mapstructure:"format"`
	Path   string         `json:"path,omitempty" mapstructure:"path"`
	S3     *S3Destination `json:"s3,omitempty" mapstructure:"s3"`
}

// S3Destination names an S3 object. Credentials come from the server's
// AWS configuration.
type S3Destination struct {
	Bucket   string `json:"bucket" mapstructure:"bucket"`
	Key      string `json:"key" mapstructure:"key"`
	Region   string `json:"region,omitempty" mapstructure:"region"`
	Endpoint string `json:"endpoint,omitempty" mapstructure:"endpoint"`
}

// Export writes results to a file or S3 object on the server side.
func (h *Handler) Export(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(req)
	if err != nil {
		return nil, err
	}
	var in ExportRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}

	var opts ExportOptions
	if in.Format != "" {
		if opts.Format, err = datasets.ParseDataFormat(in.Format); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	switch {
	case in.S3 != nil:
		opts.Destination.S3 = &datasets.S3Source{
			Bucket:   in.S3.Bucket,
			Key:      in.S3.Key,
			Region:   in.S3.Region,
			Endpoint: in.S3.Endpoint,
		}
	case in.Path != "":
		opts.Destination.LocalFile = &datasets.LocalFileSource{Path: in.Path}
	default:
		return nil, fmt.Errorf("%w: export needs a path or an s3 destination", ErrInvalidArgument)
	}

	res, err := h.service.Export(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return encodeFields(map[string]any{
		"uri":    res.URI,
		"format": res.Format.String(),
		"rows":   res.Rows,
	})
}

func requestID(req *structpb.Struct) (string, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	return id, nil
}

// decodeRequest decodes the request fields into out by mapstructure tag.
// Unknown fields are ignored.
func decodeRequest(req *structpb.Struct, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(req.AsMap()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// encodeResponse wraps v, encoded through its JSON tags, under key.
func encodeResponse(key string, v any) (*structpb.Struct, error) {
	return encodeFields(map[string]any{key: v})
}

func encodeFields(fields map[string]any) (*structpb.Struct, error) {
	raw, err := sonic.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	var generic map[string]any
	if err := sonic.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return structpb.NewStruct(generic)
}
