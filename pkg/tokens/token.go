// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
)

// protectedTokenPattern is the exact wire format of an opaque token.
var protectedTokenPattern = regexp.MustCompile(`^sct_[A-Za-z0-9_-]+_\d{10}$`)

// opaqueBodyBytes is the entropy of the random token reference.
const opaqueBodyBytes = 32

// ProtectedToken is the opaque reference agents pass as auth_token. The
// timestamp on the wire is informational only; authority derives from the
// server-side row the body hashes to.
type ProtectedToken struct {
	body      string
	createdAt time.Time
}

// NewProtectedToken mints a fresh opaque token at the given creation time.
func NewProtectedToken(createdAt time.Time) (ProtectedToken, error) {
	buf := make([]byte, opaqueBodyBytes)
	if _, err := rand.Read(buf); err != nil {
		return ProtectedToken{}, fmt.Errorf("generating token body: %w", err)
	}
	return ProtectedToken{
		body:      base64.RawURLEncoding.EncodeToString(buf),
		createdAt: createdAt.UTC(),
	}, nil
}

// ParseProtectedToken parses the sct_<body>_<unix-seconds> wire form.
func ParseProtectedToken(raw string) (ProtectedToken, error) {
	if !protectedTokenPattern.MatchString(raw) {
		return ProtectedToken{}, scerrors.New(scerrors.ErrInvalidInputFormat, "malformed auth token").
			With("expected_format", "sct_<base64url>_<unix-seconds>")
	}
	// The body is base64url and may itself contain underscores; the
	// timestamp is always the final 10-digit segment.
	idx := strings.LastIndexByte(raw, '_')
	seconds, err := strconv.ParseInt(raw[idx+1:], 10, 64)
	if err != nil {
		return ProtectedToken{}, scerrors.New(scerrors.ErrInvalidInputFormat, "malformed auth token timestamp")
	}
	return ProtectedToken{
		body:      raw[len("sct_"):idx],
		createdAt: time.Unix(seconds, 0).UTC(),
	}, nil
}

// String renders the wire form.
func (t ProtectedToken) String() string {
	return fmt.Sprintf("sct_%s_%d", t.body, t.createdAt.Unix())
}

// CreatedAt returns the informational creation timestamp from the wire form.
func (t ProtectedToken) CreatedAt() time.Time {
	return t.createdAt
}

// Redacted returns a loggable form of the token body. Full bodies never
// appear in logs or error envelopes.
func (t ProtectedToken) Redacted() string {
	if len(t.body) <= 8 {
		return "****"
	}
	return t.body[:4] + "..." + t.body[len(t.body)-4:]
}
