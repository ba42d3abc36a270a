package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/taskq/internal/store"
)

// registerTaskRoutes wires the task endpoints on the huma API.
//
//	POST /queues/{queue}/tasks     — enqueue
//	GET  /queues/{queue}/tasks     — list with status/node filters
//	GET  /queues/{queue}/listeners — registered listeners
//	GET  /queues/{queue}/orphans   — tasks stuck reserved or started
//	GET  /tasks/{id}               — single task
func registerTaskRoutes(api huma.API, s Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-task",
		Method:        http.MethodPost,
		Path:          "/queues/{queue}/tasks",
		Summary:       "Enqueue a task",
		Tags:          []string{"Tasks"},
		DefaultStatus: http.StatusCreated,
	}, enqueueTaskHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/queues/{queue}/tasks",
		Summary:     "List tasks",
		Description: "Tasks in claim order, optionally filtered by status or reserving listener.",
		Tags:        []string{"Tasks"},
	}, listTasksHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "list-listeners",
		Method:      http.MethodGet,
		Path:        "/queues/{queue}/listeners",
		Summary:     "List registered listeners",
		Tags:        []string{"Listeners"},
	}, listListenersHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "list-orphans",
		Method:      http.MethodGet,
		Path:        "/queues/{queue}/orphans",
		Summary:     "List orphaned tasks",
		Description: "Tasks that have been reserved or started for longer than older_than. " +
			"Nothing is reclaimed automatically.",
		Tags: []string{"Tasks"},
	}, listOrphansHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task",
		Tags:        []string{"Tasks"},
	}, getTaskHandler(s))
}

// ── Response types ────────────────────────────────────────────────────────────

// TaskResponse is the API representation of a task.
type TaskResponse struct {
	ID         string  `json:"id"`
	Queue      string  `json:"queue"`
	Status     string  `json:"status"`
	Parameters string  `json:"parameters"`
	Node       string  `json:"node,omitempty"`
	PID        int     `json:"pid,omitempty"`
	Result     *string `json:"result,omitempty"`
	Error      *string `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at"`            // RFC3339
	ReservedAt *string `json:"reserved_at,omitempty"` // RFC3339
	StartedAt  *string `json:"started_at,omitempty"`  // RFC3339
	FinishedAt *string `json:"finished_at,omitempty"` // RFC3339
}

// ToTaskResponse converts a store task to its JSON representation.
func ToTaskResponse(t *store.Task) TaskResponse {
	resp := TaskResponse{
		ID:         t.ID,
		Queue:      t.Queue,
		Status:     string(t.Status),
		Parameters: t.Parameters,
		Node:       t.Node,
		PID:        t.PID,
		CreatedAt:  t.CreatedAt.UTC().Format(time.RFC3339),
		ReservedAt: formatTime(t.ReservedAt),
		StartedAt:  formatTime(t.StartedAt),
		FinishedAt: formatTime(t.FinishedAt),
	}
	switch t.Status {
	case store.StatusCompleted:
		resp.Result = &t.Result
	case store.StatusFailed:
		resp.Error = &t.Error
	}
	return resp
}

// ToTaskResponses converts tasks, never returning nil.
func ToTaskResponses(tasks []*store.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, ToTaskResponse(t))
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// ── Handlers ──────────────────────────────────────────────────────────────────

type enqueueTaskInput struct {
	Queue string `path:"queue" minLength:"1" maxLength:"200"`
	Body  struct {
		Parameters string `json:"parameters" doc:"Opaque payload passed verbatim to the task function"`
	}
}

type enqueueTaskOutput struct {
	Body struct {
		ID string `json:"id"`
	}
}

func enqueueTaskHandler(s Store) func(context.Context, *enqueueTaskInput) (*enqueueTaskOutput, error) {
	return func(ctx context.Context, input *enqueueTaskInput) (*enqueueTaskOutput, error) {
		id, err := s.EnqueueTask(ctx, input.Queue, input.Body.Parameters)
		if err != nil {
			slog.ErrorContext(ctx, "enqueue task failed", "queue", input.Queue, "error", err)
			return nil, huma.Error500InternalServerError("internal server error")
		}
		out := &enqueueTaskOutput{}
		out.Body.ID = id
		return out, nil
	}
}

type getTaskInput struct {
	ID string `path:"id"`
}

type getTaskOutput struct {
	Body TaskResponse
}

func getTaskHandler(s Store) func(context.Context, *getTaskInput) (*getTaskOutput, error) {
	return func(ctx context.Context, input *getTaskInput) (*getTaskOutput, error) {
		t, err := s.GetTask(ctx, input.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, huma.Error404NotFound("task not found")
		}
		if err != nil {
			slog.ErrorContext(ctx, "get task failed", "task_id", input.ID, "error", err)
			return nil, huma.Error500InternalServerError("internal server error")
		}
		return &getTaskOutput{Body: ToTaskResponse(t)}, nil
	}
}

type listTasksInput struct {
	Queue  string `path:"queue"`
	Status string `query:"status" enum:"queued,reserved,started,completed,failed"`
	Node   string `query:"node"`
	Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
}

type taskListOutput struct {
	Body struct {
		Items []TaskResponse `json:"items"`
	}
}

func listTasksHandler(s Store) func(context.Context, *listTasksInput) (*taskListOutput, error) {
	return func(ctx context.Context, input *listTasksInput) (*taskListOutput, error) {
		tasks, err := s.ListTasks(ctx, store.TaskFilter{
			Queue:  input.Queue,
			Status: store.Status(input.Status),
			Node:   input.Node,
			Limit:  uint64(input.Limit), //nolint:gosec // bounded by minimum/maximum
		})
		if err != nil {
			slog.ErrorContext(ctx, "list tasks failed", "queue", input.Queue, "error", err)
			return nil, huma.Error500InternalServerError("internal server error")
		}
		out := &taskListOutput{}
		out.Body.Items = ToTaskResponses(tasks)
		return out, nil
	}
}

type listListenersInput struct {
	Queue string `path:"queue"`
}

// ListenerResponse is the API representation of a registered listener.
type ListenerResponse struct {
	ID           string `json:"id"`
	RegisteredAt string `json:"registered_at"` // RFC3339
}

type listListenersOutput struct {
	Body struct {
		Items []ListenerResponse `json:"items"`
	}
}

func listListenersHandler(s Store) func(context.Context, *listListenersInput) (*listListenersOutput, error) {
	return func(ctx context.Context, input *listListenersInput) (*listListenersOutput, error) {
		ls, err := s.ListListeners(ctx, input.Queue)
		if err != nil {
			slog.ErrorContext(ctx, "list listeners failed", "queue", input.Queue, "error", err)
			return nil, huma.Error500InternalServerError("internal server error")
		}
		out := &listListenersOutput{}
		out.Body.Items = make([]ListenerResponse, 0, len(ls))
		for _, l := range ls {
			out.Body.Items = append(out.Body.Items, ListenerResponse{
				ID:           l.ID,
				RegisteredAt: l.RegisteredAt.UTC().Format(time.RFC3339),
			})
		}
		return out, nil
	}
}

type listOrphansInput struct {
	Queue     string `path:"queue"`
	OlderThan string `query:"older_than" default:"1h" doc:"Go duration, e.g. 30m or 2h"`
}

func listOrphansHandler(s Store) func(context.Context, *listOrphansInput) (*taskListOutput, error) {
	return func(ctx context.Context, input *listOrphansInput) (*taskListOutput, error) {
		olderThan, err := time.ParseDuration(input.OlderThan)
		if err != nil || olderThan < 0 {
			return nil, huma.Error422UnprocessableEntity("older_than must be a non-negative duration")
		}
		tasks, err := s.ListOrphanedTasks(ctx, input.Queue, olderThan)
		if err != nil {
			slog.ErrorContext(ctx, "list orphans failed", "queue", input.Queue, "error", err)
			return nil, huma.Error500InternalServerError("internal server error")
		}
		out := &taskListOutput{}
		out.Body.Items = ToTaskResponses(tasks)
		return out, nil
	}
}
