// Package imap indexes the messages of one mailbox. Messages are keyed by
// UID and updates fetch the UIDs above the watermark kept in the source
// state. A changed UIDVALIDITY resets the watermark.
package imap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/gabriel-vasile/mimetype"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/models"
)

// Collection is the collection messages are stored in
const Collection = "emails"

// Connection holds the mailbox credentials
type Connection struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	TLS      *bool  `json:"tls,omitempty"` // default true
}

func (c Connection) useTLS() bool {
	return c.TLS == nil || *c.TLS
}

// Entrypoint names the mailbox
type Entrypoint struct {
	Mailbox string `json:"mailbox"`
}

// State is the UID watermark
type State struct {
	UIDValidity uint32 `json:"uid_validity"`
	LastUID     uint32 `json:"last_uid"`
}

// Provider is the IMAP mailbox provider
type Provider struct {
	dialTimeout time.Duration
	fetchLimit  int
	logger      arbor.ILogger
}

// NewProvider creates the IMAP provider
func NewProvider(config common.IMAPConfig, logger arbor.ILogger) *Provider {
	limit := config.FetchLimit
	if limit <= 0 {
		limit = 500
	}
	return &Provider{
		dialTimeout: common.Duration(config.DialTimeout, 30*time.Second),
		fetchLimit:  limit,
		logger:      logger,
	}
}

func (p *Provider) Type() string { return models.ProviderIMAP }

// session is a logged-in connection with the entrypoint mailbox selected
type session struct {
	c      *client.Client
	status *imap.MailboxStatus
}

func (p *Provider) dial(conn Connection) (*client.Client, error) {
	port := conn.Port
	if port == 0 {
		port = 143
		if conn.useTLS() {
			port = 993
		}
	}
	addr := net.JoinHostPort(conn.Host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: p.dialTimeout}

	var c *client.Client
	var err error
	if conn.useTLS() {
		c, err = client.DialWithDialerTLS(dialer, addr, nil)
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	if err := c.Login(conn.Username, conn.Password); err != nil {
		_ = c.Logout()
		return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, fmt.Errorf("IMAP login failed: %w", err))
	}
	return c, nil
}

func (p *Provider) open(source *models.Source) (*session, error) {
	var conn Connection
	if err := source.DecodeConnection(&conn); err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	var ep Entrypoint
	if err := source.DecodeEntrypoint(&ep); err != nil {
		return nil, fmt.Errorf("invalid entrypoint: %w", err)
	}
	if ep.Mailbox == "" {
		ep.Mailbox = "INBOX"
	}

	c, err := p.dial(conn)
	if err != nil {
		return nil, err
	}
	status, err := c.Select(ep.Mailbox, true)
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to select %s: %w", ep.Mailbox, err)
	}
	return &session{c: c, status: status}, nil
}

func (s *session) close() {
	_ = s.c.Logout()
}

func (p *Provider) ListEntrypointOptions(ctx context.Context, source *models.Source, parentID string) ([]models.EntrypointOption, error) {
	var conn Connection
	if err := source.DecodeConnection(&conn); err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	c, err := p.dial(conn)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	mailboxes := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var options []models.EntrypointOption
	for info := range mailboxes {
		if hasAttribute(info.Attributes, imap.NoSelectAttr) {
			continue
		}
		entrypoint, _ := json.Marshal(Entrypoint{Mailbox: info.Name})
		options = append(options, models.EntrypointOption{ID: info.Name, Name: info.Name, Entrypoint: entrypoint})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	return options, nil
}

func (p *Provider) HandleEntrypointUpdate(ctx context.Context, source *models.Source, entrypoint json.RawMessage) (*models.EntrypointUpdate, error) {
	var ep Entrypoint
	if len(entrypoint) > 0 {
		if err := json.Unmarshal(entrypoint, &ep); err != nil {
			return nil, fmt.Errorf("invalid entrypoint: %w", err)
		}
	}
	ep.Mailbox = strings.TrimSpace(ep.Mailbox)
	if ep.Mailbox == "" {
		ep.Mailbox = "INBOX"
	}
	normalised, err := json.Marshal(ep)
	if err != nil {
		return nil, err
	}
	return &models.EntrypointUpdate{Entrypoint: normalised, State: json.RawMessage(`{}`)}, nil
}

func (p *Provider) ValidateEntrypoint(ctx context.Context, source *models.Source, entrypoint json.RawMessage) error {
	candidate := *source
	candidate.Entrypoint = entrypoint
	s, err := p.open(&candidate)
	if err != nil {
		return err
	}
	s.close()
	return nil
}

func (p *Provider) Connect(ctx context.Context, source *models.Source, connection json.RawMessage) (*models.ConnectResult, error) {
	var conn Connection
	if err := json.Unmarshal(connection, &conn); err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	if conn.Host == "" || conn.Username == "" || conn.Password == "" {
		return nil, models.NewNonRetryable(models.ErrCodeProviderInvalidConnection, "host, username and password are required")
	}
	c, err := p.dial(conn)
	if err != nil {
		return nil, err
	}
	_ = c.Logout()

	normalised, err := json.Marshal(conn)
	if err != nil {
		return nil, err
	}
	return &models.ConnectResult{Connection: normalised}, nil
}

func (p *Provider) VerifyConnection(ctx context.Context, source *models.Source) error {
	var conn Connection
	if err := source.DecodeConnection(&conn); err != nil {
		return models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	c, err := p.dial(conn)
	if err != nil {
		return err
	}
	return c.Logout()
}

// InitSource enumerates the newest messages, up to the fetch limit
func (p *Provider) InitSource(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error) {
	s, err := p.open(params.Source)
	if err != nil {
		return nil, err
	}
	defer s.close()

	uids, err := s.c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > p.fetchLimit {
		uids = uids[len(uids)-p.fetchLimit:]
	}
	return p.result(params.Source, s.status.UidValidity, uids, 0)
}

// HandleSourceUpdate reports messages above the watermark
func (p *Provider) HandleSourceUpdate(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error) {
	var state State
	if err := params.Source.DecodeState(&state); err != nil {
		return nil, fmt.Errorf("invalid imap state: %w", err)
	}
	if state.UIDValidity != 0 {
		s, err := p.open(params.Source)
		if err != nil {
			return nil, err
		}
		validity := s.status.UidValidity
		s.close()
		if validity != state.UIDValidity {
			p.logger.Warn().
				Str("source_id", params.Source.ID).
				Uint32("old", state.UIDValidity).
				Uint32("new", validity).
				Msg("UIDVALIDITY changed, re-enumerating mailbox")
			return p.InitSource(ctx, params)
		}
	}

	s, err := p.open(params.Source)
	if err != nil {
		return nil, err
	}
	defer s.close()

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(state.LastUID+1, 0)
	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}
	// "n:*" always matches the newest message, even below n
	var fresh []uint32
	for _, uid := range uids {
		if uid > state.LastUID {
			fresh = append(fresh, uid)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })
	return p.result(params.Source, s.status.UidValidity, fresh, state.LastUID)
}

func (p *Provider) result(source *models.Source, validity uint32, uids []uint32, lastUID uint32) (*models.SourceTaskResult, error) {
	events := make([]models.IndexingEvent, 0, len(uids))
	for _, uid := range uids {
		events = append(events, models.IndexingEvent{
			EventName:  models.EventCreated,
			RecordID:   strconv.FormatUint(uint64(uid), 10),
			RecordType: "message",
		})
		if uid > lastUID {
			lastUID = uid
		}
	}
	state, err := json.Marshal(State{UIDValidity: validity, LastUID: lastUID})
	if err != nil {
		return nil, err
	}
	p.logger.Debug().
		Str("source_id", source.ID).
		Int("messages", len(events)).
		Uint32("last_uid", lastUID).
		Msg("Mailbox enumerated")
	return &models.SourceTaskResult{Status: models.TaskReady, Events: events, SourceState: state}, nil
}

func (p *Provider) GetRecordMetadata(ctx context.Context, params models.RecordParams) (map[string]interface{}, error) {
	return map[string]interface{}{"uid": params.RecordID}, nil
}

func (p *Provider) GetRecord(ctx context.Context, params models.RecordParams) (*models.GetRecordResult, error) {
	uid, err := strconv.ParseUint(params.RecordID, 10, 32)
	if err != nil {
		return nil, models.NewNonRetryable(models.ErrCodeRecordNotFound, "malformed message uid %q", params.RecordID)
	}
	s, err := p.open(params.Source)
	if err != nil {
		return nil, err
	}
	defer s.close()

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqSet, []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}, messages)
	}()

	var record *models.RemoteRecord
	var parseErr error
	for msg := range messages {
		if msg == nil || msg.Uid != uint32(uid) {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			parseErr = fmt.Errorf("message %d has no body", uid)
			continue
		}
		record, parseErr = parseMessage(body)
		if record != nil {
			record.Content["uid"] = msg.Uid
			record.Content["flags"] = msg.Flags
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if record == nil {
		// expunged since enumeration
		return &models.GetRecordResult{Status: models.TaskReady}, nil
	}
	return &models.GetRecordResult{Status: models.TaskReady, Result: record}, nil
}

// ProcessRecord lists the message attachments next to the message content
func (p *Provider) ProcessRecord(ctx context.Context, params models.ProcessRecordParams) (*models.ProcessedRecord, error) {
	record := make(map[string]interface{}, len(params.Content)+1)
	for k, v := range params.Content {
		record[k] = v
	}
	if params.Attachments != nil && len(params.Attachments.Processed) > 0 {
		attachments := make([]interface{}, 0, len(params.Attachments.Processed))
		for _, processed := range params.Attachments.Processed {
			entry := map[string]interface{}{
				"filename": processed.File.Filename,
				"mimeType": processed.File.MimeType,
				"size":     processed.File.Size,
				"url":      processed.File.PublicURL,
			}
			if processed.Record != nil {
				entry["content"] = processed.Record
			}
			attachments = append(attachments, entry)
		}
		record["attachments"] = attachments
	}
	return &models.ProcessedRecord{Collection: Collection, Record: record}, nil
}

// RegisterObserver is a no-op: mailboxes are polled by the scheduler
func (p *Provider) RegisterObserver(ctx context.Context, source *models.Source) (*models.ObserverResult, error) {
	return nil, nil
}

func (p *Provider) UnregisterObserver(ctx context.Context, source *models.Source) error {
	return nil
}

// parseMessage reads headers, text bodies and attachments of a message
func parseMessage(r io.Reader) (*models.RemoteRecord, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}

	content := map[string]interface{}{}
	if subject, err := mr.Header.Subject(); err == nil {
		content["subject"] = subject
		content["title"] = subject
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		content["from"] = from[0].Address
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		list := make([]interface{}, 0, len(to))
		for _, addr := range to {
			list = append(list, addr.Address)
		}
		content["to"] = list
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		content["date"] = date.UTC().Format(time.RFC3339)
	}
	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		content["message_id"] = id
	}

	var attachments []models.RemoteFile
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read body: %w", err)
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				if _, ok := content["body"]; !ok {
					content["body"] = strings.TrimSpace(string(data))
				}
			case strings.HasPrefix(contentType, "text/html"):
				content["html"] = string(data)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read attachment: %w", err)
			}
			contentType, _, _ := h.ContentType()
			if contentType == "" || contentType == "application/octet-stream" {
				contentType = mimetype.Detect(data).String()
				contentType, _, _ = strings.Cut(contentType, ";")
			}
			if filename == "" {
				filename = fmt.Sprintf("attachment-%d", len(attachments)+1)
			}
			attachments = append(attachments, models.RemoteFile{Filename: filename, MimeType: contentType, Data: data})
		}
	}

	return &models.RemoteRecord{
		Type:        models.RemoteRecordContent,
		Collection:  Collection,
		Content:     content,
		Attachments: attachments,
	}, nil
}

func hasAttribute(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}
