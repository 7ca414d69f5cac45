package object

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Identity is a Git author/committer/tagger line in its raw wire form:
// "name <email> timestamp timezone".
type Identity struct {
	Name      string
	Email     string
	Timestamp int64
	Timezone  string
}

// String formats the identity back into its wire form.
func (id Identity) String() string {
	return fmt.Sprintf("%s <%s> %d %s", id.Name, id.Email, id.Timestamp, id.Timezone)
}

// ParseIdentity parses a "name <email> timestamp timezone" line.
func ParseIdentity(raw string) (Identity, error) {
	emailEnd := strings.LastIndex(raw, ">")
	if emailEnd == -1 {
		return Identity{}, fmt.Errorf("%w: invalid identity %q", ErrMalformed, raw)
	}
	emailStart := strings.LastIndex(raw[:emailEnd], "<")
	if emailStart == -1 {
		return Identity{}, fmt.Errorf("%w: invalid identity %q", ErrMalformed, raw)
	}

	name := strings.TrimSpace(raw[:emailStart])
	email := raw[emailStart+1 : emailEnd]

	timeStr := strings.TrimSpace(raw[emailEnd+1:])
	parts := strings.Fields(timeStr)
	if len(parts) != 2 {
		return Identity{}, fmt.Errorf("%w: invalid identity timestamp %q", ErrMalformed, timeStr)
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: invalid identity timestamp: %s", ErrMalformed, err)
	}

	return Identity{Name: name, Email: email, Timestamp: ts, Timezone: parts[1]}, nil
}

// Time returns the Identity's timestamp in its recorded timezone.
func (id Identity) Time() (time.Time, error) {
	if len(id.Timezone) != 5 {
		return time.Time{}, fmt.Errorf("%w: invalid timezone %q", ErrMalformed, id.Timezone)
	}
	sign := id.Timezone[0]
	if sign != '+' && sign != '-' {
		return time.Time{}, fmt.Errorf("%w: invalid timezone sign %q", ErrMalformed, id.Timezone)
	}
	hours, err := strconv.Atoi(id.Timezone[1:3])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timezone hours: %s", ErrMalformed, err)
	}
	minutes, err := strconv.Atoi(id.Timezone[3:5])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timezone minutes: %s", ErrMalformed, err)
	}
	secs := hours*3600 + minutes*60
	if sign == '-' {
		secs = -secs
	}
	return time.Unix(id.Timestamp, 0).In(time.FixedZone("", secs)), nil
}
