// Package util provides identifier and environment helpers for WarmTransfer.
package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionIDTimeLayout formats the creation time embedded in session IDs.
const SessionIDTimeLayout = "20060102_150405"

// GenerateSessionID returns a new session identifier of the form
// "session_<yyyymmdd_hhmmss>_<8 hex>". The random suffix keeps two sessions
// created in the same second distinct.
func GenerateSessionID(now time.Time) string {
	return fmt.Sprintf("session_%s_%s", now.Format(SessionIDTimeLayout), ShortRandomHex())
}

// ShortRandomHex returns eight random hexadecimal characters taken from a UUIDv4.
func ShortRandomHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CallRoomName is the original room shared by the caller and Agent A.
func CallRoomName(sessionID string) string {
	return "call_" + sessionID
}

// TransferRoomName is the private consultation room for Agent A and Agent B.
func TransferRoomName(sessionID string, now time.Time) string {
	return fmt.Sprintf("transfer_%s_%s", sessionID, now.Format("150405"))
}

// FinalRoomName is the room the caller and Agent B continue in.
func FinalRoomName(sessionID string) string {
	return "final_" + sessionID
}
