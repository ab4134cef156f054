package devops

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/cenkalti/backoff/v4"
)

// DevOpsScope is the Entra resource scope for Azure DevOps REST APIs.
const DevOpsScope = "499b84ac-1321-427f-aa17-267ca6975798/.default"

// refreshSkew renews cached tokens this long before they expire.
const refreshSkew = 5 * time.Minute

// TokenSource yields bearer tokens for backend calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// EntraTokenSource caches an Entra access token and renews it shortly
// before expiry. Acquisition is retried with exponential backoff.
// Safe for concurrent use.
type EntraTokenSource struct {
	cred       azcore.TokenCredential
	maxRetries uint64
	logger     *slog.Logger
	now        func() time.Time

	mu  sync.Mutex
	tok azcore.AccessToken
}

// NewEntraTokenSource wraps cred.
func NewEntraTokenSource(cred azcore.TokenCredential, maxRetries int, logger *slog.Logger) *EntraTokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &EntraTokenSource{
		cred:       cred,
		maxRetries: uint64(maxRetries),
		logger:     logger,
		now:        time.Now,
	}
}

// NewDefaultEntraTokenSource uses the Azure default credential chain
// (environment, workload identity, managed identity, Azure CLI).
func NewDefaultEntraTokenSource(maxRetries int, logger *slog.Logger) (*EntraTokenSource, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create default azure credential: %w", err)
	}
	return NewEntraTokenSource(cred, maxRetries, logger), nil
}

// Token returns a cached token or acquires a new one.
func (s *EntraTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok.Token != "" && s.now().Add(refreshSkew).Before(s.tok.ExpiresOn) {
		return s.tok.Token, nil
	}

	op := func() (azcore.AccessToken, error) {
		return s.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{DevOpsScope}})
	}
	b := backoff.NewExponentialBackOff(backoff.WithInitialInterval(200*time.Millisecond), backoff.WithMaxElapsedTime(30*time.Second))
	notify := func(err error, next time.Duration) {
		s.logger.Warn("entra token acquisition failed, retrying", "error", err, "next", next)
	}
	tok, err := backoff.RetryNotifyWithData(op, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx), notify)
	if err != nil {
		return "", err
	}
	s.tok = tok
	return tok.Token, nil
}

// LazyTokenSource defers building the default Entra credential until the
// first Entra tenant needs a token. A failed build is retried on the next
// call.
type LazyTokenSource struct {
	maxRetries int
	logger     *slog.Logger
	build      func(maxRetries int, logger *slog.Logger) (*EntraTokenSource, error)

	mu  sync.Mutex
	src TokenSource
}

// NewLazyTokenSource returns a source backed by NewDefaultEntraTokenSource.
func NewLazyTokenSource(maxRetries int, logger *slog.Logger) *LazyTokenSource {
	return &LazyTokenSource{maxRetries: maxRetries, logger: logger, build: NewDefaultEntraTokenSource}
}

// Token builds the underlying source on first use and delegates to it.
func (l *LazyTokenSource) Token(ctx context.Context) (string, error) {
	l.mu.Lock()
	if l.src == nil {
		src, err := l.build(l.maxRetries, l.logger)
		if err != nil {
			l.mu.Unlock()
			return "", err
		}
		l.src = src
	}
	src := l.src
	l.mu.Unlock()
	return src.Token(ctx)
}
