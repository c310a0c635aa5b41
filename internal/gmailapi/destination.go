// Package gmailapi imports messages into Gmail with users.messages.import,
// which keeps the original date and headers.
package gmailapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/emersion/go-imap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/pepperpark/mailshift/internal/migrate"
)

const (
	// MaxImportSize is the largest media upload messages.import accepts.
	MaxImportSize = 150 << 20

	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	pageSize     = 500
)

// Scopes needed to import, label and search messages.
var Scopes = []string{gmail.GmailModifyScope, gmail.GmailLabelsScope}

// Destination imports into one Gmail account.
type Destination struct {
	svc    *gmail.Service
	userID string

	mu     sync.Mutex
	labels map[string]string // lower-cased name or id -> id
}

// New builds a Gmail client from a token source produced by the auth
// pre-flight. Extra options are appended, e.g. an endpoint for tests.
func New(ctx context.Context, userID string, ts oauth2.TokenSource, opts ...option.ClientOption) (*Destination, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return NewWithService(svc, userID), nil
}

func NewWithService(svc *gmail.Service, userID string) *Destination {
	if userID == "" {
		userID = "me"
	}
	return &Destination{svc: svc, userID: userID}
}

// Index lists every message and reads its Message-ID header. Messages
// whose metadata cannot be read are logged and left out.
func (d *Destination) Index(ctx context.Context) (*migrate.Index, error) {
	idx := migrate.NewIndex()
	call := d.svc.Users.Messages.List(d.userID).MaxResults(pageSize).IncludeSpamTrash(true)
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			msg, err := d.svc.Users.Messages.Get(d.userID, m.Id).
				Format("metadata").MetadataHeaders("Message-ID").Context(ctx).Do()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[gmail] index: message %s: %v", m.Id, err)
				continue
			}
			idx.Add(headerValue(msg, "Message-ID"))
		}
		log.Printf("[gmail] index: %d Message-IDs so far", idx.Len())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return idx, nil
}

// Put uploads the raw message with messages.import. Configured labels are
// created when missing; a source \Flagged becomes STARRED.
func (d *Destination) Put(ctx context.Context, c *migrate.Candidate, meta migrate.Metadata) (string, error) {
	ids, err := d.labelIDs(ctx, meta.Labels)
	if err != nil {
		return "", err
	}
	for _, f := range meta.Flags {
		if strings.EqualFold(f, imap.FlaggedFlag) {
			ids = append(ids, labelStarred)
		}
	}
	msg, err := d.svc.Users.Messages.Import(d.userID, &gmail.Message{LabelIds: ids}).
		InternalDateSource("dateHeader").
		NeverMarkSpam(true).
		ProcessForCalendar(false).
		Media(bytes.NewReader(c.Raw), googleapi.ContentType("message/rfc822")).
		Context(ctx).
		Do()
	if err != nil {
		return "", classify(fmt.Errorf("import: %w", err))
	}
	return msg.Id, nil
}

// Annotate sets the read state explicitly: UNREAD is added when meta asks
// for unread and removed otherwise.
func (d *Destination) Annotate(ctx context.Context, id string, meta migrate.Metadata) error {
	if id == "" {
		return nil
	}
	req := &gmail.ModifyMessageRequest{}
	if meta.Unread {
		req.AddLabelIds = []string{labelUnread}
	} else {
		req.RemoveLabelIds = []string{labelUnread}
	}
	if _, err := d.svc.Users.Messages.Modify(d.userID, id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("modify %s: %w", id, err)
	}
	return nil
}

// Verify looks the message up by its Gmail id, or by Message-ID when no id
// is known.
func (d *Destination) Verify(ctx context.Context, c *migrate.Candidate, id string) (bool, error) {
	if id != "" {
		_, err := d.svc.Users.Messages.Get(d.userID, id).Format("minimal").Context(ctx).Do()
		if err == nil {
			return true, nil
		}
		if statusCode(err) != http.StatusNotFound {
			return false, fmt.Errorf("get %s: %w", id, err)
		}
	}
	if c.MessageID == "" {
		return false, nil
	}
	resp, err := d.svc.Users.Messages.List(d.userID).
		Q("rfc822msgid:" + c.MessageID).MaxResults(1).IncludeSpamTrash(true).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("search rfc822msgid: %w", err)
	}
	return len(resp.Messages) > 0, nil
}

func (d *Destination) MaxSize() int64 { return MaxImportSize }

// labelIDs maps label names to ids, creating user labels that do not
// exist yet. System labels such as INBOX are their own ids.
func (d *Destination) labelIDs(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.labels == nil {
		resp, err := d.svc.Users.Labels.List(d.userID).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("list labels: %w", err)
		}
		d.labels = make(map[string]string, 2*len(resp.Labels))
		for _, l := range resp.Labels {
			d.labels[strings.ToLower(l.Name)] = l.Id
			d.labels[strings.ToLower(l.Id)] = l.Id
		}
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if id, ok := d.labels[strings.ToLower(name)]; ok {
			ids = append(ids, id)
			continue
		}
		l, err := d.svc.Users.Labels.Create(d.userID, &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("create label %q: %w", name, err)
		}
		log.Printf("[gmail] created label %q", name)
		d.labels[strings.ToLower(l.Name)] = l.Id
		ids = append(ids, l.Id)
	}
	return ids, nil
}

func headerValue(msg *gmail.Message, name string) string {
	if msg.Payload == nil {
		return ""
	}
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func statusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// classify marks API errors that a retry cannot fix.
func classify(err error) error {
	switch statusCode(err) {
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %w", migrate.ErrOversize, err)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized:
		return migrate.Permanent(err)
	}
	return err
}
