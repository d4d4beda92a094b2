// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package search ranks a session's caller-visible messages with fuzzy
// token-set scoring. Candidates are fetched through the visibility-checked
// read path and cached per caller until the session gains a message.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/session"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

const (
	minQueryChars = 3
	maxLimit      = 100
	defaultLimit  = 10

	// DefaultThreshold is the score cutoff applied when the caller does not
	// set one.
	DefaultThreshold = 60.0

	defaultCacheSize = 256
	defaultCacheTTL  = 30 * time.Second

	// senderWeight is the share of the sender similarity in the combined
	// score under the sender_and_content scope.
	senderWeight = 3 // out of 10
)

// Search scopes.
const (
	ScopeAll              = "all"
	ScopeSenderAndContent = "sender_and_content"
)

// Result pairs a message with its similarity score (0-100).
type Result struct {
	Message session.Message `json:"message"`
	Score   int             `json:"score"`
}

// CacheStats reports candidate-cache effectiveness.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// Engine scores messages for the three retrieval tools.
type Engine struct {
	sessions *session.Store
	cache    *expirable.LRU[string, []session.Message]

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// NewEngine creates an Engine. Non-positive cacheSize or cacheTTL select the
// defaults (256 entries, 30 s).
func NewEngine(sessions *session.Store, cacheSize int, cacheTTL time.Duration) *Engine {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Engine{
		sessions: sessions,
		cache:    expirable.NewLRU[string, []session.Message](cacheSize, nil, cacheTTL),
		now:      time.Now,
	}
}

// Params carries the search_context inputs.
type Params struct {
	SessionID string
	Query     string

	// Threshold is the minimum score; zero selects DefaultThreshold.
	Threshold float64

	// Limit caps results; zero selects the default of 10, above 100 is an
	// error rather than a clamp.
	Limit int

	// Scope is ScopeAll (content only) or ScopeSenderAndContent.
	Scope string
}

// SearchContext ranks the caller-visible messages of a session against the
// query. Results are ordered by score descending, ties broken by the more
// recent message id, making the ranking deterministic for fixed inputs.
func (e *Engine) SearchContext(ctx context.Context, claims *tokens.Claims, params Params) ([]Result, error) {
	if utf8.RuneCountInString(strings.TrimSpace(params.Query)) < minQueryChars {
		return nil, scerrors.Newf(scerrors.ErrInvalidSearchQuery,
			"query must be at least %d characters", minQueryChars)
	}
	limit, err := checkLimit(params.Limit)
	if err != nil {
		return nil, err
	}
	threshold := params.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 0 || threshold > 100 {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "fuzzy_threshold must be between 0 and 100")
	}
	scope := params.Scope
	if scope == "" {
		scope = ScopeAll
	}
	if scope != ScopeAll && scope != ScopeSenderAndContent {
		return nil, scerrors.Newf(scerrors.ErrInvalidInput, "unknown search_scope %q", params.Scope).
			With("allowed", []string{ScopeAll, ScopeSenderAndContent})
	}

	candidates, err := e.candidates(ctx, claims, params.SessionID)
	if err != nil {
		return nil, err
	}

	query := normalize(params.Query)
	results := make([]Result, 0, limit)
	for i := range candidates {
		msg := &candidates[i]
		score := fuzzy.TokenSetRatio(query, normalize(msg.Content))
		if scope == ScopeSenderAndContent {
			senderScore := fuzzy.TokenSetRatio(query, CanonicalSender(msg.Sender))
			if combined := (score*(10-senderWeight) + senderScore*senderWeight) / 10; combined > score {
				score = combined
			}
		}
		if float64(score) >= threshold {
			results = append(results, Result{Message: *msg, Score: score})
		}
	}

	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SearchBySender finds messages from senders matching the query. Both sides
// are canonicalized; exact canonical matches win, fuzzy matching is the
// fallback when there are none.
func (e *Engine) SearchBySender(ctx context.Context, claims *tokens.Claims, sessionID, senderQuery string, limit int) ([]Result, error) {
	canonical := CanonicalSender(senderQuery)
	if canonical == "" {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "sender_query is required")
	}
	capped, err := checkLimit(limit)
	if err != nil {
		return nil, err
	}

	candidates, err := e.candidates(ctx, claims, sessionID)
	if err != nil {
		return nil, err
	}

	var exact, fuzzyMatches []Result
	for i := range candidates {
		msg := &candidates[i]
		sender := CanonicalSender(msg.Sender)
		if sender == canonical {
			exact = append(exact, Result{Message: *msg, Score: 100})
			continue
		}
		if score := fuzzy.TokenSetRatio(canonical, sender); float64(score) >= DefaultThreshold {
			fuzzyMatches = append(fuzzyMatches, Result{Message: *msg, Score: score})
		}
	}

	results := exact
	if len(results) == 0 {
		results = fuzzyMatches
	}
	sortResults(results)
	if len(results) > capped {
		results = results[:capped]
	}
	return results, nil
}

// SearchByTimeRange returns the caller-visible messages whose timestamp lies
// in the half-open interval [start, end), ascending. A zero end means now.
func (e *Engine) SearchByTimeRange(ctx context.Context, claims *tokens.Claims, sessionID string, start, end time.Time, limit int) ([]session.Message, error) {
	if start.IsZero() {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "start is required")
	}
	if end.IsZero() {
		end = e.now()
	}
	if !start.Before(end) {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "start must be before end")
	}
	capped, err := checkLimit(limit)
	if err != nil {
		return nil, err
	}

	candidates, err := e.candidates(ctx, claims, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]session.Message, 0, capped)
	for _, msg := range candidates {
		if msg.Timestamp.Before(start) || !msg.Timestamp.Before(end) {
			continue
		}
		out = append(out, msg)
		if len(out) == capped {
			break
		}
	}
	return out, nil
}

// Cache returns cache effectiveness counters.
func (e *Engine) Cache() CacheStats {
	return CacheStats{
		Hits:   e.hits.Load(),
		Misses: e.misses.Load(),
		Size:   e.cache.Len(),
	}
}

// candidates returns the caller-visible messages of the session, served from
// cache while the session's last message id is unchanged. The key carries the
// caller's identity so no cache entry ever crosses a visibility boundary.
func (e *Engine) candidates(ctx context.Context, claims *tokens.Claims, sessionID string) ([]session.Message, error) {
	lastID, err := e.sessions.LastMessageID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%d|%s|%s|%t", sessionID, lastID, claims.AgentID, claims.AgentType, claims.IsAdmin())
	if cached, ok := e.cache.Get(key); ok {
		e.hits.Add(1)
		return cached, nil
	}

	msgs, err := e.sessions.VisibleMessages(ctx, claims, sessionID)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, msgs)
	e.misses.Add(1)
	return msgs, nil
}

// sortResults orders by score descending, then by the more recent message.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Message.ID > results[j].Message.ID
	})
}

// normalize folds case and drops invalid UTF-8 before scoring.
func normalize(s string) string {
	return strings.ToLower(strings.ToValidUTF8(s, ""))
}

// CanonicalSender maps a sender string to its canonical form: lowercase,
// every run of non-alphanumerics collapsed to a single '-', trimmed.
func CanonicalSender(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

func checkLimit(limit int) (int, error) {
	if limit > maxLimit {
		return 0, scerrors.Newf(scerrors.ErrSearchLimitExceeded, "limit must not exceed %d", maxLimit).
			With("max_limit", maxLimit)
	}
	if limit <= 0 {
		return defaultLimit, nil
	}
	return limit, nil
}
