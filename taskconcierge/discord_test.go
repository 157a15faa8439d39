package taskconcierge

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mockDMChannelPrefix = "dm-"

type sentMessage struct {
	ChannelID string
	Content   string
}

type sentEmbed struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

// mockDiscordSession is a mock implementation of the DiscordSessionHandler
// interface. Sent messages and embeds are pushed to channels so tests
// can check what was sent, and in which order.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	messages chan sentMessage
	embeds   chan sentEmbed

	opened   atomic.Bool
	closed   atomic.Bool
	handlers atomic.Int64
}

func newMockDiscordSession() *mockDiscordSession {
	m := &mockDiscordSession{
		logLevel: &slog.LevelVar{},
		messages: make(chan sentMessage, 100),
		embeds:   make(chan sentEmbed, 100),
	}
	m.logLevel.Set(slog.LevelWarn)
	m.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler")
	return m
}

func (d *mockDiscordSession) Open() error {
	d.opened.Store(true)
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.closed.Store(true)
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"saw message send",
		"channel_id", channelID,
		"content", message,
	)
	d.messages <- sentMessage{ChannelID: channelID, Content: message}
	return &discordgo.Message{
		ID:        nextTestID(7),
		ChannelID: channelID,
		Content:   message,
	}, nil
}

func (d *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"saw embed send",
		"channel_id", channelID,
		"title", embed.Title,
	)
	d.embeds <- sentEmbed{ChannelID: channelID, Embed: embed}
	return &discordgo.Message{
		ID:        nextTestID(7),
		ChannelID: channelID,
		Embeds:    []*discordgo.MessageEmbed{embed},
	}, nil
}

func (d *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{
		ID:   mockDMChannelPrefix + recipientID,
		Type: discordgo.ChannelTypeDM,
	}, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updating custom status", "status", status)
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.handlers.Add(1)
	return func() {
		d.handlers.Add(-1)
	}
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (d *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logLevel.Set(lvl)
	return nil
}

// waitForEmbed returns the next embed sent, failing the test if none is
// sent within the timeout
func waitForEmbed(t testing.TB, s *mockDiscordSession, timeout time.Duration) sentEmbed {
	t.Helper()
	select {
	case e := <-s.embeds:
		return e
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for embed")
	}
	return sentEmbed{}
}

// waitForMessage returns the next plain message sent, failing the test
// if none is sent within the timeout
func waitForMessage(t testing.TB, s *mockDiscordSession, timeout time.Duration) sentMessage {
	t.Helper()
	select {
	case m := <-s.messages:
		return m
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for message")
	}
	return sentMessage{}
}

// drainMessages returns every message sent so far
func drainMessages(s *mockDiscordSession) []sentMessage {
	var rv []sentMessage
	for {
		select {
		case m := <-s.messages:
			rv = append(rv, m)
		default:
			return rv
		}
	}
}

func TestDiscord_HandlerReadySetsBotUser(t *testing.T) {
	t.Parallel()
	d := newDiscord(&DiscordConfig{}, slog.Default())
	assert.Nil(t, d.BotUser())

	d.handlerReady()(
		nil,
		&discordgo.Ready{
			SessionID: "abc",
			User:      &discordgo.User{ID: testBotUserID, Username: testBotUsername},
		},
	)
	require.NotNil(t, d.BotUser())
	assert.Equal(t, testBotUserID, d.BotUser().ID)

	// a Ready without a user doesn't clear it
	d.handlerReady()(nil, &discordgo.Ready{SessionID: "def"})
	require.NotNil(t, d.BotUser())
}

func TestDiscord_ConnectDisconnectStatus(t *testing.T) {
	t.Parallel()
	d := newDiscord(&DiscordConfig{}, slog.Default())

	d.handlerConnect()(nil, &discordgo.Connect{})
	status := d.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, int64(1), status.Connects)

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	status = d.Status()
	assert.False(t, status.Connected)
	assert.Equal(t, int64(1), status.Disconnects)
}

func TestDiscord_SendDirectMessage(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	d := newDiscord(&DiscordConfig{}, slog.Default())
	d.session = session

	require.NoError(t, d.sendDirectMessage("12345", "hello"))
	msg := waitForMessage(t, session, time.Second)
	assert.Equal(t, mockDMChannelPrefix+"12345", msg.ChannelID)
	assert.Equal(t, "hello", msg.Content)
}

func TestEmbeds(t *testing.T) {
	t.Parallel()

	created := accountCreatedEmbed()
	assert.Equal(t, "Check private message for instructions", created.Description)
	assert.Equal(t, embedColorSuccess, created.Color)

	failed := connectionFailedEmbed()
	assert.Equal(t, "Connection Failed", failed.Title)
	assert.Equal(t, "Failed to connect to Composio services.", failed.Description)
	assert.Equal(t, embedColorFailure, failed.Color)

	success := taskSuccessEmbed("alice", "all done")
	assert.Equal(t, "Success", success.Title)
	assert.Equal(t, "Task completed successfully for alice.", success.Description)
	require.Len(t, success.Fields, 1)
	assert.Equal(t, "all done", success.Fields[0].Value)

	assert.Empty(t, taskSuccessEmbed("alice", "").Fields)

	long := taskSuccessEmbed("alice", strings.Repeat("x", 5000))
	require.Len(t, long.Fields, 1)
	assert.LessOrEqual(t, len(long.Fields[0].Value), discordEmbedFieldMaxLength)

	taskFailed := taskFailedEmbed()
	assert.Equal(t, "Task Failed", taskFailed.Title)
	assert.Equal(t, "Failed to complete the task.", taskFailed.Description)

	assert.Contains(t, registrationFailedEmbed(3).Description, "failed after 3 attempts")
	assert.Contains(t, timeoutEmbed().Description, "Timeout")
}
