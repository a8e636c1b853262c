package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/action"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/proposal"
	"github.com/teranos/RONIN/workspace"
)

// The executors are the only code that performs marketplace side effects.
// Each is idempotent on (job id, stage): the platform answers a replayed
// action with 409, which the executors report as success. After a crash
// between the durable attempt record and the side effect, the orchestrator
// replays the action and lands here harmlessly.

// applyRequest is the application endpoint payload
type applyRequest struct {
	JobID             string `json:"job_id"`
	Proposal          string `json:"proposal"`
	BidAmount         int    `json:"bid_amount"`
	EstimatedDelivery string `json:"estimated_delivery"`
	Message           string `json:"message"`
}

type applyResponse struct {
	ApplicationID string `json:"application_id"`
}

// messageRequest is the job message endpoint payload
type messageRequest struct {
	Message string `json:"message"`
}

// MessagePayload selects which templated message a message action sends
type MessagePayload struct {
	Kind string `json:"kind"`
}

// submitRequest is the delivery endpoint payload
type submitRequest struct {
	Message        string        `json:"message"`
	CompletionTime string        `json:"completion_time"`
	Deliverables   []deliverable `json:"deliverables"`
}

type deliverable struct {
	Type    string `json:"type"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// ApplyExecutor submits an application with a rendered proposal and bid
type ApplyExecutor struct {
	client    *Client
	session   *Session
	proposals *proposal.Generator
	logger    *zap.SugaredLogger
}

// NewApplyExecutor creates the apply-action executor
func NewApplyExecutor(client *Client, session *Session, proposals *proposal.Generator, logger *zap.SugaredLogger) *ApplyExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ApplyExecutor{client: client, session: session, proposals: proposals, logger: logger}
}

// Kind returns the action kind this executor serves
func (e *ApplyExecutor) Kind() action.Kind { return action.KindApply }

// Execute renders a proposal for the job and posts the application
func (e *ApplyExecutor) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	if req.Job == nil {
		return action.Result{}, errors.AssertionFailedf("apply request for %s carries no job", req.JobID)
	}
	if err := e.session.EnsureSession(ctx); err != nil {
		return action.Result{}, err
	}

	draft, err := e.proposals.Proposal(req.Job)
	if err != nil {
		return action.Result{}, errors.Wrapf(err, "failed to render proposal for job %s", req.JobID)
	}

	payload := applyRequest{
		JobID:             req.JobID,
		Proposal:          draft.Body,
		BidAmount:         draft.BidAmount,
		EstimatedDelivery: estimatedDelivery(req.Job, time.Now()),
		Message:           draft.Body,
	}

	var resp applyResponse
	err = e.client.postJSON(ctx, "/api/jobs/"+url.PathEscape(req.JobID)+"/apply", payload, &resp)
	if err != nil {
		return e.classify(req, err, "application already submitted")
	}

	e.logger.Infow("Applied to job",
		"job_id", req.JobID,
		"bid", draft.BidAmount,
		"application_id", resp.ApplicationID,
	)
	return action.Result{
		Success: true,
		Detail:  fmt.Sprintf("applied with bid %d JPY (application %s)", draft.BidAmount, resp.ApplicationID),
	}, nil
}

func (e *ApplyExecutor) classify(req action.Request, err error, duplicateDetail string) (action.Result, error) {
	return classifyExecutorError(e.session, e.logger, req, err, duplicateDetail)
}

// MessageExecutor sends a templated message to the client on a job's
// conversation thread
type MessageExecutor struct {
	client    *Client
	session   *Session
	proposals *proposal.Generator
	logger    *zap.SugaredLogger
}

// NewMessageExecutor creates the message-action executor
func NewMessageExecutor(client *Client, session *Session, proposals *proposal.Generator, logger *zap.SugaredLogger) *MessageExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MessageExecutor{client: client, session: session, proposals: proposals, logger: logger}
}

// Kind returns the action kind this executor serves
func (e *MessageExecutor) Kind() action.Kind { return action.KindMessage }

// Execute renders the requested message template and posts it. The payload
// names the template kind; an empty payload sends the kickoff message.
func (e *MessageExecutor) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	if req.Job == nil {
		return action.Result{}, errors.AssertionFailedf("message request for %s carries no job", req.JobID)
	}
	if err := e.session.EnsureSession(ctx); err != nil {
		return action.Result{}, err
	}

	kind := proposal.MessageKickoff
	if len(req.Payload) > 0 {
		var payload MessagePayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return action.Result{}, errors.Wrapf(err, "bad message payload for job %s", req.JobID)
		}
		if payload.Kind != "" {
			kind = payload.Kind
		}
	}

	body, err := e.proposals.Message(kind, req.Job)
	if err != nil {
		return action.Result{}, errors.Wrapf(err, "failed to render %s message for job %s", kind, req.JobID)
	}

	err = e.client.postJSON(ctx, "/api/jobs/"+url.PathEscape(req.JobID)+"/messages", messageRequest{Message: body}, nil)
	if err != nil {
		return classifyExecutorError(e.session, e.logger, req, err, "message already sent")
	}

	e.logger.Infow("Sent message", "job_id", req.JobID, "kind", kind)
	return action.Result{Success: true, Detail: "sent " + kind + " message"}, nil
}

// DeliverExecutor submits the workspace deliverable with a completion
// message and records the delivered content in the workspace repository
type DeliverExecutor struct {
	client    *Client
	session   *Session
	workspace *workspace.Workspace
	proposals *proposal.Generator
	logger    *zap.SugaredLogger
}

// NewDeliverExecutor creates the deliver-action executor
func NewDeliverExecutor(client *Client, session *Session, ws *workspace.Workspace, proposals *proposal.Generator, logger *zap.SugaredLogger) *DeliverExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DeliverExecutor{client: client, session: session, workspace: ws, proposals: proposals, logger: logger}
}

// Kind returns the action kind this executor serves
func (e *DeliverExecutor) Kind() action.Kind { return action.KindDeliver }

// Execute renders the deliverable (when a render command is configured),
// validates it, and submits it. A job whose deliverable is not ready yet
// comes back as a no-success no-error result so the orchestrator defers it
// instead of burning a retry.
func (e *DeliverExecutor) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	if req.Job == nil {
		return action.Result{}, errors.AssertionFailedf("deliver request for %s carries no job", req.JobID)
	}
	if err := e.session.EnsureSession(ctx); err != nil {
		return action.Result{}, err
	}

	if err := e.workspace.Render(ctx, req.JobID); err != nil {
		return action.Result{}, errors.Wrapf(err, "render failed for job %s", req.JobID)
	}

	path, err := e.workspace.Deliverable(req.JobID)
	if err != nil {
		return action.Result{Deferred: true, Detail: "deliverable not ready: " + err.Error()}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return action.Result{}, errors.Wrapf(err, "failed to read deliverable for job %s", req.JobID)
	}

	message, err := e.proposals.Message(proposal.MessageDelivery, req.Job)
	if err != nil {
		return action.Result{}, errors.Wrapf(err, "failed to render delivery message for job %s", req.JobID)
	}

	payload := submitRequest{
		Message:        message,
		CompletionTime: time.Now().Format(time.RFC3339),
		Deliverables: []deliverable{
			{Type: "text", Title: workspace.DeliverableName, Content: string(content)},
		},
	}

	err = e.client.postJSON(ctx, "/api/jobs/"+url.PathEscape(req.JobID)+"/submit", payload, nil)
	if err != nil {
		res, cerr := classifyExecutorError(e.session, e.logger, req, err, "delivery already submitted")
		if cerr == nil && res.Success {
			e.commit(req.JobID)
		}
		return res, cerr
	}

	e.commit(req.JobID)
	e.logger.Infow("Delivered job", "job_id", req.JobID, "bytes", len(content))
	return action.Result{Success: true, Detail: fmt.Sprintf("delivered %d bytes", len(content))}, nil
}

// commit records what was sent in the workspace repository. The submission
// already happened, so failures here only cost the audit trail.
func (e *DeliverExecutor) commit(jobID string) {
	if hash, err := e.workspace.CommitDelivery(jobID, "deliver "+jobID); err != nil {
		e.logger.Warnw("Failed to commit delivered artifacts", "job_id", jobID, "error", err)
	} else {
		e.logger.Debugw("Committed delivered artifacts", "job_id", jobID, "commit", hash[:7])
	}
}

// classifyExecutorError translates a boundary failure into the executor
// result contract:
//
//   - 409 duplicates are idempotent success
//   - auth failures invalidate the session and bubble up to halt the pass
//   - a 404 means the listing is gone, which no retry can fix
//   - throttling carries the server's cooldown into the result
func classifyExecutorError(session *Session, logger *zap.SugaredLogger, req action.Request, err error, duplicateDetail string) (action.Result, error) {
	switch {
	case errors.Is(err, errDuplicate):
		logger.Infow("Marketplace already has this action, treating as success",
			"job_id", req.JobID, "kind", req.Kind)
		return action.Result{Success: true, Detail: duplicateDetail}, nil

	case errors.IsAuthError(err):
		session.Invalidate()
		return action.Result{}, err

	case errors.IsNotFoundError(err):
		return action.Result{Terminal: true, Detail: "listing no longer available"},
			errors.Wrapf(errors.ErrTerminal, "job %s is gone: %v", req.JobID, err)

	case errors.IsRateLimited(err):
		return action.Result{RetryAfter: RetryAfterHint(err)}, err

	default:
		return action.Result{}, err
	}
}

// estimatedDelivery converts the listing's expected effort into a promise
// date, padding the schedule the way a careful freelancer would
func estimatedDelivery(j *job.Job, now time.Time) string {
	days := j.DurationHours / 8
	if days < 1 {
		days = 1
	}
	buffer := days / 4
	if buffer < 1 {
		buffer = 1
	}
	return now.AddDate(0, 0, days+buffer).Format("2006-01-02")
}
