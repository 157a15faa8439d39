package taskconcierge

import (
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/mail"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const loggerContextKey contextKey = "logger"

type contextKey string

var mentionTokenPattern = regexp.MustCompile(`<@!?(\d+)>`)

// stripMentions removes mention tokens for the given user ID from the
// message content (both <@id> and <@!id> forms), along with a plain-text
// '@username' prefix, and returns the trimmed remainder.
func stripMentions(content string, userID string, username string) string {
	content = mentionTokenPattern.ReplaceAllStringFunc(
		content, func(s string) string {
			m := mentionTokenPattern.FindStringSubmatch(s)
			if len(m) == 2 && m[1] == userID {
				return ""
			}
			return s
		},
	)
	if username != "" {
		content = strings.ReplaceAll(content, "@"+username, "")
	}
	return strings.Join(strings.Fields(content), " ")
}

// messageMentionsUser reports whether the user with the given ID is in the
// message's mention list.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// isValidEmail reports whether s is a single bare email address
// (no display name).
func isValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " <>") {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	if addr.Address != s {
		return false
	}
	_, domain, _ := strings.Cut(addr.Address, "@")
	return strings.Contains(domain, ".")
}

// jitter returns base plus a random duration in [0, maxJitter)
func jitter(base time.Duration, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return base
	}
	return base + rand.N(maxJitter)
}

// shortenString reduces the size of the input string to a specified limit.
//
// Double newlines and asterisks are removed first. If the string is still
// too long, it's truncated and a suffix is appended to show the output
// limit was reached.
func shortenString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "\n\n", "\n")
	if len(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "**", "")
	if len(s) <= limit {
		return s
	}
	suffix := "\n\n**(output limit reached)**"
	suffixChars := []rune(suffix)
	if limit-len(suffixChars) <= 0 {
		return strings.TrimSpace(truncate(s, limit))
	}

	return strings.TrimSpace(
		fmt.Sprintf(
			"%s%s",
			truncate(s, limit-len(suffixChars)),
			suffix,
		),
	)
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// secretsEqual compares secrets in constant time
func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// tlsConfig loads the cert and key. Returns a nil config if neither
// is set.
func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	if certfile == "" && keyfile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"[redacted]"` will cause "[redacted]" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		if _, ok := v.(*slog.LevelVar); ok {
			return slog.AnyValue(v)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if key == "" {
			key = field.Name
		}

		if logTag := field.Tag.Get("log"); logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: key, Value: slog.StringValue(logTag)},
			)
			continue
		}

		switch fv.Kind() {
		case reflect.Ptr, reflect.Interface:
			if fv.IsNil() {
				continue
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				continue
			}
		case reflect.String:
			if fv.Len() == 0 {
				continue
			}
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: key, Value: structToSlogValue(fv.Interface())},
		)
	}

	return slog.GroupValue(groupAttrs...)
}

func messageLogAttrs(m *discordgo.Message) []any {
	attrs := []any{
		"message_id", m.ID,
		"channel_id", m.ChannelID,
	}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if m.Author != nil {
		attrs = append(
			attrs,
			"user_id", m.Author.ID,
			"username", m.Author.Username,
		)
	}
	return attrs
}
