// Package id generates identifiers for tasks and upstream correlation nonces.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewTaskID generates a time-ordered task identifier.
func NewTaskID() string {
	u, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%d%s", time.Now().UnixMilli(), randomHex(4))
	}
	return strings.ReplaceAll(u.String(), "-", "")
}

// NewNonce generates the decimal snowflake-style nonce echoed back by the
// upstream in interaction responses.
func NewNonce() string {
	return strconv.FormatInt(time.Now().UnixNano()>>1, 10)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
