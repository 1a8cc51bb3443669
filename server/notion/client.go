// Package notion is the typed upstream client. Every HTTP call is paced by
// the shared rate limiter, wrapped in retry-with-backoff and guarded by a
// circuit breaker, so no caller can exceed the upstream's budget.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/sony/gobreaker"

	"github.com/planware/syncd/server/apperr"
	"github.com/planware/syncd/server/model"
	"github.com/planware/syncd/server/observability"
	"github.com/planware/syncd/server/ratelimit"
	"github.com/planware/syncd/server/retry"
)

const (
	apiVersion     = "2022-06-28"
	defaultTimeout = 10 * time.Second
	pageSize       = 100
)

// DatabaseIDs maps entity kinds to upstream database ids. Loaded from the
// persisted per-environment config document.
type DatabaseIDs struct {
	Tasks    string `json:"tasks"`
	Projects string `json:"projects"`
	Clients  string `json:"clients"`
	Members  string `json:"members"`
	Teams    string `json:"teams"`
}

// For returns the database id for a kind.
func (d DatabaseIDs) For(kind model.EntityKind) string {
	switch kind {
	case model.KindTask:
		return d.Tasks
	case model.KindProject:
		return d.Projects
	case model.KindClient:
		return d.Clients
	case model.KindMember:
		return d.Members
	case model.KindTeam:
		return d.Teams
	default:
		return ""
	}
}

// KindOf resolves a database id back to its entity kind. Used by webhook
// ingest to decide which cache prefixes to invalidate.
func (d DatabaseIDs) KindOf(databaseID string) (model.EntityKind, bool) {
	switch databaseID {
	case d.Tasks:
		return model.KindTask, true
	case d.Projects:
		return model.KindProject, true
	case d.Clients:
		return model.KindClient, true
	case d.Members:
		return model.KindMember, true
	case d.Teams:
		return model.KindTeam, true
	default:
		return "", false
	}
}

// Client talks to the upstream API. Construct once and share; Low/High
// return shallow copies pinned to a limiter priority.
type Client struct {
	httpc    *http.Client
	baseURL  string
	token    string
	dbs      DatabaseIDs
	limiter  *ratelimit.Limiter
	breaker  *gobreaker.CircuitBreaker
	rec      *observability.Recorder
	priority int
}

// NewClient builds a client at default priority.
func NewClient(baseURL, token string, dbs DatabaseIDs, limiter *ratelimit.Limiter, rec *observability.Recorder) *Client {
	return &Client{
		httpc:   &http.Client{Timeout: defaultTimeout},
		baseURL: baseURL,
		token:   token,
		dbs:     dbs,
		limiter: limiter,
		rec:     rec,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "notion",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			// Terminal client errors (validation, not-found) say nothing
			// about upstream health; only transport-class failures count.
			IsSuccessful: func(err error) bool {
				return err == nil || !apperr.Retryable(err)
			},
		}),
		priority: ratelimit.PriorityDefault,
	}
}

// Low returns a copy scheduled at low priority (warmup, cron).
func (c *Client) Low() *Client {
	cp := *c
	cp.priority = ratelimit.PriorityLow
	return &cp
}

// High returns a copy scheduled at high priority (live conflict checks).
func (c *Client) High() *Client {
	cp := *c
	cp.priority = ratelimit.PriorityHigh
	return &cp
}

// Databases exposes the id mapping for webhook ingest and discovery.
func (c *Client) Databases() DatabaseIDs { return c.dbs }

// call runs one logical API operation: retry on the outside so a failed
// attempt gives up its limiter slot before backing off, the limiter pacing
// every individual attempt, the breaker guarding the transport.
func (c *Client) call(ctx context.Context, operation, method, path string, body, out any) error {
	_, err := retry.Do(ctx, operation, retry.DefaultOptions(), func(ctx context.Context) (struct{}, error) {
		_, err := c.limiter.Schedule(ctx, c.priority, func(ctx context.Context) (any, error) {
			return nil, c.doHTTP(ctx, operation, method, path, body, out)
		})
		return struct{}{}, err
	})
	return err
}

func (c *Client) doHTTP(ctx context.Context, operation, method, path string, body, out any) error {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		observability.UpstreamCallDuration.WithLabelValues(operation).Observe(d.Seconds())
		c.rec.UpstreamLatency.Observe(d)
	}()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindTimeout, operation+" deadline exceeded", ctx.Err())
			}
			return nil, apperr.Wrap(apperr.KindUpstream, operation+" network error", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstream, operation+" read body", err)
		}
		if resp.StatusCode >= 400 {
			err := classifyStatus(resp.StatusCode, data)
			if kind := apperr.KindOf(err); kind != apperr.KindInternal {
				observability.UpstreamErrors.WithLabelValues(kind.String()).Inc()
			}
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.UpstreamErrors.WithLabelValues("breaker_open").Inc()
			return apperr.Wrap(apperr.KindUpstream, operation+" circuit open", err)
		}
		return err
	}

	if out != nil {
		if err := json.Unmarshal(result.([]byte), out); err != nil {
			return apperr.Wrap(apperr.KindUpstream, operation+" decode response", err)
		}
	}
	return nil
}

// --- Task operations ---

// CreateTask creates a task page and returns the stored record with its
// real upstream id.
func (c *Client) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	body := map[string]any{
		"parent":     map[string]string{"database_id": c.dbs.Tasks},
		"properties": taskToProperties(t),
	}
	var p page
	if err := c.call(ctx, "create_task", http.MethodPost, "/v1/pages", body, &p); err != nil {
		return model.Task{}, err
	}
	return taskFromPage(p), nil
}

// GetTask retrieves one task. Archived pages surface as NotFound because
// archive is this system's delete.
func (c *Client) GetTask(ctx context.Context, id string) (model.Task, error) {
	var p page
	if err := c.call(ctx, "get_task", http.MethodGet, "/v1/pages/"+id, nil, &p); err != nil {
		return model.Task{}, err
	}
	if p.Archived {
		return model.Task{}, apperr.Newf(apperr.KindNotFound, "task %s is archived", id)
	}
	return taskFromPage(p), nil
}

// UpdateTask writes the full property set of t to the page.
func (c *Client) UpdateTask(ctx context.Context, id string, t model.Task) (model.Task, error) {
	body := map[string]any{"properties": taskToProperties(t)}
	var p page
	if err := c.call(ctx, "update_task", http.MethodPatch, "/v1/pages/"+id, body, &p); err != nil {
		return model.Task{}, err
	}
	return taskFromPage(p), nil
}

// ArchiveTask soft-deletes the page. There is no hard delete upstream.
func (c *Client) ArchiveTask(ctx context.Context, id string) error {
	body := map[string]any{"archived": true}
	return c.call(ctx, "archive_task", http.MethodPatch, "/v1/pages/"+id, body, nil)
}

// TaskFilter narrows a range query. Zero fields are ignored.
type TaskFilter struct {
	Start     *time.Time
	End       *time.Time
	Status    model.TaskStatus
	MemberIDs []string
}

// QueryTasks runs a filtered database query, paginating until exhausted.
func (c *Client) QueryTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	pages, err := c.queryAll(ctx, "query_tasks", c.dbs.Tasks, buildTaskFilter(filter))
	if err != nil {
		return nil, err
	}
	tasks := make([]model.Task, 0, len(pages))
	for _, p := range pages {
		if p.Archived {
			continue
		}
		tasks = append(tasks, taskFromPage(p))
	}
	return tasks, nil
}

// QueryTasksRange returns tasks whose work period overlaps [start, end].
func (c *Client) QueryTasksRange(ctx context.Context, start, end time.Time) ([]model.Task, error) {
	return c.QueryTasks(ctx, TaskFilter{Start: &start, End: &end})
}

func buildTaskFilter(f TaskFilter) json.RawMessage {
	var clauses []map[string]any
	if f.Start != nil && f.End != nil {
		// Overlap: period starts on or before the window end AND ends on
		// or after the window start.
		clauses = append(clauses,
			map[string]any{"property": taskProps.WorkPeriod, "date": map[string]string{
				"on_or_before": f.End.Format(dateLayout),
			}},
			map[string]any{"property": taskProps.WorkPeriod, "date": map[string]string{
				"on_or_after": f.Start.Format(dateLayout),
			}},
		)
	}
	if f.Status != "" {
		clauses = append(clauses, map[string]any{
			"property": taskProps.Status,
			"status":   map[string]string{"equals": string(f.Status)},
		})
	}
	for _, id := range f.MemberIDs {
		clauses = append(clauses, map[string]any{
			"property": taskProps.AssignedMembers,
			"relation": map[string]string{"contains": id},
		})
	}
	if len(clauses) == 0 {
		return nil
	}
	raw, _ := json.Marshal(map[string]any{"and": clauses})
	return raw
}

// --- Simple kind listings ---

// ListMembers returns every member page.
func (c *Client) ListMembers(ctx context.Context) ([]model.Member, error) {
	pages, err := c.queryAll(ctx, "list_members", c.dbs.Members, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Member, 0, len(pages))
	for _, p := range pages {
		out = append(out, model.Member{
			ID:        p.ID,
			Name:      nameFromPage(p),
			UpdatedAt: p.LastEditedTime,
		})
		if team := relationIDs(p, relationProps[model.KindMember]["team"]); len(team) > 0 {
			out[len(out)-1].TeamID = team[0]
		}
	}
	return out, nil
}

// ListTeams returns every team page.
func (c *Client) ListTeams(ctx context.Context) ([]model.Team, error) {
	pages, err := c.queryAll(ctx, "list_teams", c.dbs.Teams, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Team, 0, len(pages))
	for _, p := range pages {
		out = append(out, model.Team{
			ID:        p.ID,
			Name:      nameFromPage(p),
			MemberIDs: relationIDs(p, relationProps[model.KindTeam]["members"]),
			UpdatedAt: p.LastEditedTime,
		})
	}
	return out, nil
}

// ListProjects returns every project page.
func (c *Client) ListProjects(ctx context.Context) ([]model.Project, error) {
	pages, err := c.queryAll(ctx, "list_projects", c.dbs.Projects, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Project, 0, len(pages))
	for _, p := range pages {
		proj := model.Project{
			ID:        p.ID,
			Name:      nameFromPage(p),
			TaskIDs:   relationIDs(p, relationProps[model.KindProject]["tasks"]),
			UpdatedAt: p.LastEditedTime,
		}
		if client := relationIDs(p, relationProps[model.KindProject]["client"]); len(client) > 0 {
			proj.ClientID = client[0]
		}
		out = append(out, proj)
	}
	return out, nil
}

// ListClients returns every client page.
func (c *Client) ListClients(ctx context.Context) ([]model.Client, error) {
	pages, err := c.queryAll(ctx, "list_clients", c.dbs.Clients, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Client, 0, len(pages))
	for _, p := range pages {
		out = append(out, model.Client{
			ID:         p.ID,
			Name:       nameFromPage(p),
			ProjectIDs: relationIDs(p, relationProps[model.KindClient]["projects"]),
			UpdatedAt:  p.LastEditedTime,
		})
	}
	return out, nil
}

// queryAll pages through a database query with the opaque cursor until
// has_more is false. Every page request is individually paced and retried.
func (c *Client) queryAll(ctx context.Context, operation, databaseID string, filter json.RawMessage) ([]page, error) {
	if databaseID == "" {
		return nil, apperr.New(apperr.KindInternal, "notion: database id not configured for "+operation)
	}

	var all []page
	cursor := ""
	for {
		req := queryRequest{Filter: filter, StartCursor: cursor, PageSize: pageSize}
		var resp queryResponse
		path := fmt.Sprintf("/v1/databases/%s/query", databaseID)
		if err := c.call(ctx, operation, http.MethodPost, path, req, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		cursor = resp.NextCursor
	}
}
