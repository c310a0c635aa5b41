package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/oauth2"

	"github.com/pepperpark/mailshift/internal/auth"
	"github.com/pepperpark/mailshift/internal/config"
	"github.com/pepperpark/mailshift/internal/gmailapi"
	"github.com/pepperpark/mailshift/internal/imapmail"
	"github.com/pepperpark/mailshift/internal/mbox"
	"github.com/pepperpark/mailshift/internal/migrate"
)

// Session is a connected migration ready to run.
type Session struct {
	Config   *config.Config
	Migrator *migrate.Migrator
	closers  []func() error
}

// Run executes the migration and returns its summary. The summary is
// filled in even when a run-fatal error is returned.
func (s *Session) Run(ctx context.Context) (migrate.Summary, error) {
	rep, err := s.Migrator.Run(ctx)
	return rep.Summarize(), err
}

// Close releases both endpoints.
func (s *Session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Pipeline is the handler for one source kind and destination kind.
type Pipeline struct {
	src, dst string
}

func NewPipeline(srcKind, dstKind string) *Pipeline {
	return &Pipeline{src: srcKind, dst: dstKind}
}

// Name is the job type, e.g. imap_to_gmail.
func (p *Pipeline) Name() string { return p.src + "_to_" + p.dst }

func (p *Pipeline) LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Source.Kind != p.src || cfg.Destination.Kind != p.dst {
		return nil, fmt.Errorf("config %s describes %s_to_%s, not %s", path, cfg.Source.Kind, cfg.Destination.Kind, p.Name())
	}
	cfg.Job = p.Name()
	return cfg, nil
}

// Open runs the OAuth pre-flight for any endpoint that needs it, then
// connects the source and the destination.
func (p *Pipeline) Open(ctx context.Context, cfg *config.Config) (*Session, error) {
	sess := &Session{Config: cfg}
	src, err := p.openSource(ctx, sess, cfg)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	dst, err := p.openDestination(ctx, sess, cfg)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	m, err := migrate.New(src, dst, cfg.Options, cfg.Source.String())
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	sess.Migrator = m
	return sess, nil
}

func (p *Pipeline) Migrate(ctx context.Context, cfg *config.Config) (migrate.Summary, error) {
	sess, err := p.Open(ctx, cfg)
	if err != nil {
		return migrate.Summary{}, err
	}
	defer sess.Close()
	// nobody renders progress here
	go func() {
		for range sess.Migrator.Events() {
		}
	}()
	return sess.Run(ctx)
}

func (p *Pipeline) openSource(ctx context.Context, sess *Session, cfg *config.Config) (migrate.Source, error) {
	e := cfg.Source
	switch e.Kind {
	case config.KindMbox:
		src, err := mbox.Open(e.Path)
		if err != nil {
			return nil, migrate.Connection("source "+e.String(), err)
		}
		sess.closers = append(sess.closers, src.Close)
		return src, nil
	case config.KindIMAP:
		tokens, err := imapTokens(ctx, e)
		if err != nil {
			return nil, err
		}
		c, err := imapmail.Connect(ctx, e, tokens)
		if err != nil {
			return nil, err
		}
		sess.closers = append(sess.closers, c.Logout)
		writable := cfg.Options.DeleteAfterTransfer && !cfg.Options.DryRun
		src, err := imapmail.NewSource(c, e.Mailbox, writable)
		if err != nil {
			return nil, migrate.Connection("source "+e.String(), err)
		}
		log.Printf("[jobs] source %s connected", e)
		return src, nil
	}
	return nil, fmt.Errorf("unsupported source kind %q", e.Kind)
}

func (p *Pipeline) openDestination(ctx context.Context, sess *Session, cfg *config.Config) (migrate.Destination, error) {
	e := cfg.Destination
	switch e.Kind {
	case config.KindGmail:
		ts, err := auth.TokenSource(ctx, e.String(), e.CredentialsFile, e.TokenFile, gmailapi.Scopes...)
		if err != nil {
			return nil, err
		}
		dst, err := gmailapi.New(ctx, e.UserID, ts)
		if err != nil {
			return nil, migrate.Connection("destination "+e.String(), err)
		}
		log.Printf("[jobs] destination %s ready", e)
		return dst, nil
	case config.KindIMAP:
		tokens, err := imapTokens(ctx, e)
		if err != nil {
			return nil, err
		}
		c, err := imapmail.Connect(ctx, e, tokens)
		if err != nil {
			return nil, err
		}
		sess.closers = append(sess.closers, c.Logout)
		dst, err := imapmail.NewDestination(c, e.Mailbox, cfg.CreateDestMailbox)
		if err != nil {
			return nil, migrate.Connection("destination "+e.String(), err)
		}
		log.Printf("[jobs] destination %s connected", e)
		return dst, nil
	}
	return nil, fmt.Errorf("unsupported destination kind %q", e.Kind)
}

func imapTokens(ctx context.Context, e config.Endpoint) (oauth2.TokenSource, error) {
	if e.Auth != config.AuthXOAuth2 {
		return nil, nil
	}
	return auth.TokenSource(ctx, e.String(), e.CredentialsFile, e.TokenFile, auth.GmailIMAPScope)
}
