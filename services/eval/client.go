package eval

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
)

// Client calls a remote task service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client on an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) call(ctx context.Context, method string, req any, out map[string]any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return err
	}
	for key, dst := range out {
		v, ok := resp.GetFields()[key]
		if !ok {
			continue
		}
		raw, err := v.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		if err := sonic.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	var fields map[string]any
	if err := sonic.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return structpb.NewStruct(fields)
}

type idRequest struct {
	ID string `json:"id"`
}

func (c *Client) task(ctx context.Context, method string, req any) (*Task, error) {
	var t Task
	if err := c.call(ctx, method, req, map[string]any{"task": &t}); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask creates a task in CONFIG_PARAMS.
func (c *Client) CreateTask(ctx context.Context, input CreateTaskInput) (*Task, error) {
	return c.task(ctx, "CreateTask", input)
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	return c.task(ctx, "GetTask", idRequest{ID: id})
}

// ListTasks returns a page of tasks and the total match count.
func (c *Client) ListTasks(ctx context.Context, query ListTasksQuery) ([]*Task, int, error) {
	var (
		tasks []*Task
		total int
	)
	err := c.call(ctx, "ListTasks", query, map[string]any{"tasks": &tasks, "total_count": &total})
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// UpdateParams edits parameters of a task in CONFIG_PARAMS.
func (c *Client) UpdateParams(ctx context.Context, id string, in UpdateParamsInput) (*Task, error) {
	req := struct {
		ID string `json:"id"`
		UpdateParamsInput
	}{id, in}
	return c.task(ctx, "UpdateParams", req)
}

// UpdatePrompts replaces the prompts of a task in CONFIG_PROMPTS.
func (c *Client) UpdatePrompts(ctx context.Context, id string, prompts PromptConfig) (*Task, error) {
	req := struct {
		ID string `json:"id"`
		PromptConfig
	}{id, prompts}
	return c.task(ctx, "UpdatePrompts", req)
}

// Advance moves a task one step forward.
func (c *Client) Advance(ctx context.Context, id string) (*Task, error) {
	return c.task(ctx, "Advance", idRequest{ID: id})
}

// Cancel cancels a task.
func (c *Client) Cancel(ctx context.Context, id string) (*Task, error) {
	return c.task(ctx, "Cancel", idRequest{ID: id})
}

// GetProgress reports progress and ETA.
func (c *Client) GetProgress(ctx context.Context, id string) (*Progress, error) {
	var p Progress
	if err := c.call(ctx, "GetProgress", idRequest{ID: id}, map[string]any{"progress": &p}); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetResults returns everything a task produced.
func (c *Client) GetResults(ctx context.Context, id string) (*Results, error) {
	var r Results
	if err := c.call(ctx, "GetResults", idRequest{ID: id}, map[string]any{"results": &r}); err != nil {
		return nil, err
	}
	return &r, nil
}

// Export asks the server to write the results of a task.
func (c *Client) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	var (
		res    ExportResult
		format string
	)
	err := c.call(ctx, "Export", req, map[string]any{"uri": &res.URI, "format": &format, "rows": &res.Rows})
	if err != nil {
		return nil, err
	}
	res.Format, _ = datasets.ParseDataFormat(format)
	return &res, nil
}
