package marketplace

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/internal/httpclient"
	"github.com/teranos/RONIN/job"
)

const (
	// inboxPollLimit is how many unread messages one poll fetches
	inboxPollLimit = 50

	// maxAttachmentBytes caps attachment downloads. Client files larger
	// than this need a human.
	maxAttachmentBytes = 16 << 20
)

// InboundMessage is one message from a client, as fetched from the inbox
type InboundMessage struct {
	ID          string       `json:"id"`
	JobID       string       `json:"job_id"`
	ClientName  string       `json:"client_name"`
	Subject     string       `json:"subject"`
	Body        string       `json:"content"`
	SentAt      time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a file a client included with a message
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// inboxPage is the inbox endpoint's response shape
type inboxPage struct {
	Messages []InboundMessage `json:"messages"`
}

// Inbox polls the marketplace for client messages and classifies them
// into lifecycle signals.
//
// Attachment URLs come from strangers, so downloads go through the
// SSRF-guarded client rather than the session client.
type Inbox struct {
	client     *Client
	session    *Session
	downloader *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

// NewInbox creates an inbox poller bound to an authenticated session
func NewInbox(client *Client, session *Session, logger *zap.SugaredLogger) *Inbox {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Inbox{
		client:     client,
		session:    session,
		downloader: httpclient.NewSaferClient(60 * time.Second),
		logger:     logger,
	}
}

// Poll fetches unread messages and marks them read on the server. A
// message fetched once is the agent's to handle; the durable record is the
// signal the orchestrator writes, not the marketplace read flag.
func (i *Inbox) Poll(ctx context.Context) ([]InboundMessage, error) {
	if err := i.session.EnsureSession(ctx); err != nil {
		return nil, errors.Wrap(err, "cannot poll inbox without a session")
	}

	query := url.Values{
		"status": {"unread"},
		"limit":  {strconv.Itoa(inboxPollLimit)},
	}

	var page inboxPage
	if err := i.client.getJSON(ctx, "/api/messages/inbox", query, &page); err != nil {
		if errors.IsAuthError(err) {
			i.session.Invalidate()
		}
		return nil, errors.Wrap(err, "inbox poll failed")
	}

	for _, msg := range page.Messages {
		if err := i.markRead(ctx, msg.ID); err != nil {
			i.logger.Warnw("Failed to mark message read", "message_id", msg.ID, "error", err)
		}
	}

	if len(page.Messages) > 0 {
		i.logger.Infow("Fetched inbound messages", "count", len(page.Messages))
	}
	return page.Messages, nil
}

func (i *Inbox) markRead(ctx context.Context, messageID string) error {
	return i.client.postJSON(ctx, "/api/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// DownloadAttachment fetches an attachment through the SSRF-guarded
// client, capped at maxAttachmentBytes
func (i *Inbox) DownloadAttachment(ctx context.Context, att Attachment) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "bad attachment URL %q", att.URL)
	}

	resp, err := i.downloader.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrTransient, "attachment download %q: %v", att.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrTransient, "attachment download %q: HTTP %d", att.Name, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrTransient, "attachment download %q: %v", att.Name, err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, errors.Newf("attachment %q exceeds the %d byte limit", att.Name, maxAttachmentBytes)
	}
	return data, nil
}

// SetDownloader allows overriding the attachment client for testing
// ⚠️ WARNING: Only use this in tests.
func (i *Inbox) SetDownloader(client *httpclient.SaferClient) {
	i.downloader = client
}

// Keyword rules for classifying client messages into lifecycle signals.
// The marketplace is Japanese-first but clients write in English too.
// Order matters: an explicit cancellation outranks everything, and a
// revision request outranks a receipt confirmation because "received it,
// but please fix..." is a revision.
var (
	cancelKeywords = []string{
		"キャンセル", "中止", "取り消し", "取りやめ",
		"cancel", "terminate", "call off",
	}
	revisionKeywords = []string{
		"修正", "変更", "手直し", "やり直し", "直して",
		"revision", "revise", "rework", "please fix", "change request",
	}
	confirmKeywords = []string{
		"検収", "受領", "納品を確認", "受け取りました",
		"confirmed receipt", "received the deliver", "approved the deliver", "looks good",
	}
	acceptKeywords = []string{
		"採用", "契約", "発注", "承認", "お願いします",
		"accepted", "hired", "awarded", "go ahead", "please proceed",
	}
)

// Classify maps a client message onto a lifecycle signal using keyword
// rules. Anything that matches no rule is a plain message; the
// orchestrator records it without moving the job.
func Classify(msg InboundMessage) job.SignalKind {
	text := strings.ToLower(msg.Subject + " " + msg.Body)

	switch {
	case containsAny(text, cancelKeywords):
		return job.SignalJobCancelled
	case containsAny(text, revisionKeywords):
		return job.SignalRevisionRequested
	case containsAny(text, confirmKeywords):
		return job.SignalDeliveryConfirmed
	case containsAny(text, acceptKeywords):
		return job.SignalClientAccepted
	default:
		return job.SignalMessageReceived
	}
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
