package taskconcierge

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	embedColorSuccess = 0x00FF00
	embedColorFailure = 0xFF0000
)

// Discord wraps the discord session, tracking connection state and the
// bot's own user (set when the gateway is ready)
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesHandled       atomic.Int64
	connected                   atomic.Bool
	botUser                     atomic.Pointer[discordgo.User]
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new discordgo session with the configured
// token, HTTP client and log level
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUser returns the bot's own user, or nil if the gateway hasn't
// sent a Ready event yet
func (d *Discord) BotUser() *discordgo.User {
	return d.botUser.Load()
}

func (d *Discord) setBotUser(u *discordgo.User) {
	if u == nil {
		return
	}
	d.botUser.Store(u)
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.setBotUser(r.User)
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", userID,
			"username", username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// sendEmbed sends a single embed to the given channel
func (d *Discord) sendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
	return err
}

// sendDirectMessage opens (or reuses) a DM channel with the user and
// sends the message there
func (d *Discord) sendDirectMessage(
	userID string,
	content string,
	opts ...discordgo.RequestOption,
) error {
	ch, err := d.session.UserChannelCreate(userID, opts...)
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}
	_, err = d.session.ChannelMessageSend(ch.ID, content, opts...)
	return err
}

// DiscordStatus holds gateway connection counters
type DiscordStatus struct {
	Connected       bool  `json:"connected"`
	MessagesHandled int64 `json:"messages_handled"`
	Connects        int64 `json:"connects"`
	Disconnects     int64 `json:"disconnects"`
}

func (d *Discord) Status() DiscordStatus {
	return DiscordStatus{
		Connected:       d.connected.Load(),
		MessagesHandled: d.metricMessagesHandled.Load(),
		Connects:        d.metricConnects.Load(),
		Disconnects:     d.metricDisconnects.Load(),
	}
}

func accountCreatedEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Account Created",
		Description: "Check private message for instructions",
		Color:       embedColorSuccess,
	}
}

func connectionFailedEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Connection Failed",
		Description: "Failed to connect to Composio services.",
		Color:       embedColorFailure,
	}
}

func taskSuccessEmbed(username string, output string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "Success",
		Description: fmt.Sprintf("Task completed successfully for %s.", username),
		Color:       embedColorSuccess,
	}
	if output != "" {
		embed.Fields = []*discordgo.MessageEmbedField{
			{
				Name:  "Result",
				Value: shortenString(output, discordEmbedFieldMaxLength),
			},
		}
	}
	return embed
}

func taskFailedEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Task Failed",
		Description: "Failed to complete the task.",
		Color:       embedColorFailure,
	}
}

func registrationFailedEmbed(attempts int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Registration Failed",
		Description: fmt.Sprintf("Account creation failed after %d attempts.", attempts),
		Color:       embedColorFailure,
	}
}

func timeoutEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Timed Out",
		Description: "Timeout. Please try again and provide your details promptly.",
		Color:       embedColorFailure,
	}
}

const discordEmbedFieldMaxLength = 1024

// DiscordSessionHandler defines the methods from discordgo.Session which
// are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate creates (or returns the existing) DM channel
	// with the given user
	UserChannelCreate(
		recipientID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
	if err != nil {
		d.logger.Error(
			"error sending embed",
			tint.Err(err),
			"channel_id", channelID,
			"title", embed.Title,
		)
	} else {
		d.logger.Info(
			"sent embed",
			"channel_id", channelID,
			"title", embed.Title,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, opts...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}
