package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source"
	imapsrc "github.com/alanredmond23-bit/gmail-intelligence-platform/internal/source/imap"
)

// GmailCredentials adapts an OAuth2 token source to the pipeline's lazy
// credential contract. Authenticate is idempotent: when a valid token is
// already held it only refreshes bookkeeping.
type GmailCredentials struct {
	src oauth2.TokenSource

	mu  sync.Mutex
	tok *oauth2.Token
}

func NewGmailCredentials(src oauth2.TokenSource) *GmailCredentials {
	return &GmailCredentials{src: src}
}

func (c *GmailCredentials) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tok.Valid()
}

func (c *GmailCredentials) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, err := c.src.Token()
	if err != nil {
		return &source.AuthError{Backend: source.KindGmailAPI, Err: err}
	}
	c.tok = tok
	return nil
}

// TokenSource returns a reusing source seeded with the last obtained token.
func (c *GmailCredentials) TokenSource(ctx context.Context) oauth2.TokenSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return oauth2.ReuseTokenSource(c.tok, c.src)
}

// GmailTokenSource builds a token source from the two files the OAuth
// installed-app flow leaves behind: the client credentials JSON and a
// previously granted token JSON. The browser consent flow itself is out of
// scope here; the token file must already exist.
func GmailTokenSource(ctx context.Context, credentialsPath, tokenPath string) (oauth2.TokenSource, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("reading oauth credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing oauth credentials: %w", err)
	}

	tb, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("reading oauth token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(tb, &tok); err != nil {
		return nil, fmt.Errorf("parsing oauth token: %w", err)
	}

	return cfg.TokenSource(ctx, &tok), nil
}

// IMAPCredentials makes an IMAP session satisfy the credential contract:
// ready means logged in, authenticating means establishing the session.
type IMAPCredentials struct {
	src *imapsrc.Source
}

func NewIMAPCredentials(src *imapsrc.Source) *IMAPCredentials {
	return &IMAPCredentials{src: src}
}

func (c *IMAPCredentials) IsReady() bool { return c.src.Connected() }

func (c *IMAPCredentials) Authenticate(ctx context.Context) error {
	if c.src.Connected() {
		return nil
	}
	return c.src.Connect(ctx)
}
