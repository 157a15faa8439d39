package taskconcierge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const welcomeDirectMessage = "Welcome! I'll send you links here to connect your " +
	"accounts. Once they're connected, mention me with a task and I'll take care of it."

// handleDiscordMessage routes an incoming message. Messages from bots
// (including this one) are dropped. Otherwise, the message is first
// offered to any goroutine waiting on a reply from its author in that
// channel. If nobody is waiting and the message mentions the bot, the
// mention text is handed to the author's worker, which handles one
// mention at a time.
func (d *TaskConcierge) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Message == nil {
		return
	}
	ctx, logger := d.getLogger(ctx)

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		logger.DebugContext(ctx, "couldn't find user in discord message")
		return
	}

	botUser := d.discord.BotUser()
	if user.Bot || (botUser != nil && user.ID == botUser.ID) {
		logger.DebugContext(ctx, "ignoring message from bot", "user_id", user.ID)
		return
	}
	if m.Author == nil {
		m.Author = user
	}

	if d.replies.offer(m.Message) {
		logger.DebugContext(ctx, "message consumed as reply", messageLogAttrs(m.Message)...)
		return
	}

	if m.MentionEveryone {
		logger.DebugContext(ctx, "ignoring message mentioning everyone")
		return
	}

	if botUser == nil {
		logger.WarnContext(ctx, "bot user unknown, ignoring message")
		return
	}
	if !messageMentionsUser(m.Message, botUser.ID) {
		return
	}

	logger = logger.With(messageLogAttrs(m.Message)...)
	ctx = WithLogger(ctx, logger)

	command := stripMentions(m.Content, botUser.ID, botUser.Username)
	if command == "" {
		logger.InfoContext(ctx, "empty mention, sending usage")
		d.reply(ctx, m.ChannelID, d.config.Discord.UsageMessage)
		return
	}

	d.discord.metricMessagesHandled.Add(1)
	req := &mentionRequest{message: m.Message, command: command}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		worker := d.getUserWorker(ctx, user.ID)
		err = worker.submit(req)
		if !errors.Is(err, errWorkerStopped) {
			break
		}
	}

	switch {
	case err == nil:
		logger.InfoContext(ctx, "mention sent to worker", "command", truncate(command, 100))
	case errors.Is(err, ErrWorkerBusy):
		logger.InfoContext(ctx, "user worker busy, rejecting mention")
		d.reply(ctx, m.ChannelID, d.config.Discord.BusyMessage)
	default:
		logger.ErrorContext(ctx, "error submitting mention", tint.Err(err))
	}
}

// processMention resolves the author's identity, connects their session
// and runs the command, reporting the outcome in the channel with an
// embed.
func (d *TaskConcierge) processMention(ctx context.Context, req *mentionRequest) {
	ctx, logger := d.getLogger(ctx)
	m := req.message
	logger = logger.With(messageLogAttrs(m)...)
	ctx = WithLogger(ctx, logger)

	d.tasksInProgress.Add(1)
	defer d.tasksInProgress.Add(-1)

	run := newTaskRun(m, req.command)
	d.taskRuns.create(ctx, run)

	accountID, created, err := d.resolver.Resolve(ctx, m)
	if err != nil {
		logger.ErrorContext(ctx, "error resolving identity", tint.Err(err))
		switch {
		case errors.Is(err, ErrReplyTimeout):
			d.sendEmbed(ctx, m.ChannelID, timeoutEmbed())
			d.taskRuns.finish(ctx, run, TaskRunStateTimedOut, err)
		case errors.Is(err, ErrMaxAttempts):
			d.sendEmbed(
				ctx,
				m.ChannelID,
				registrationFailedEmbed(d.config.Identity.EmailMaxAttempts),
			)
			d.taskRuns.finish(ctx, run, TaskRunStateIdentityFailed, err)
		default:
			d.sendEmbed(ctx, m.ChannelID, taskFailedEmbed())
			d.taskRuns.finish(ctx, run, TaskRunStateIdentityFailed, err)
		}
		return
	}

	logger = logger.With("account_id", accountID)
	ctx = WithLogger(ctx, logger)
	run.AccountID = accountID

	if created {
		d.sendEmbed(ctx, m.ChannelID, accountCreatedEmbed())
		if e := d.SendDirectMessage(ctx, m.Author.ID, welcomeDirectMessage); e != nil {
			logger.WarnContext(ctx, "error sending welcome message", tint.Err(e))
		}
	}

	session, newSession := d.sessions.GetOrCreate(accountID)
	if newSession {
		logger.InfoContext(ctx, "created session")
	}

	d.taskRuns.setState(ctx, run, TaskRunStateConnecting)
	if err = session.Connect(ctx, m); err != nil {
		logger.ErrorContext(ctx, "connection failed", tint.Err(err))
		d.sendEmbed(ctx, m.ChannelID, connectionFailedEmbed())
		d.taskRuns.finish(ctx, run, TaskRunStateConnectionFailed, err)
		return
	}

	d.taskRuns.setState(ctx, run, TaskRunStateRunning)
	result, err := session.DoTask(ctx, req.command)
	if result != nil {
		run.Output = result.Output
		run.Iterations = result.Iterations
		run.ToolCalls = result.ToolCalls
	}
	if err != nil {
		logger.ErrorContext(ctx, "task failed", tint.Err(err))
		d.sendEmbed(ctx, m.ChannelID, taskFailedEmbed())
		d.taskRuns.finish(ctx, run, TaskRunStateFailed, err)
		return
	}

	logger.InfoContext(
		ctx,
		"task completed",
		"command", truncate(req.command, 100),
		"iterations", result.Iterations,
		"tool_calls", result.ToolCalls,
	)
	d.sendEmbed(ctx, m.ChannelID, taskSuccessEmbed(m.Author.Username, result.Output))
	d.taskRuns.finish(ctx, run, TaskRunStateCompleted, nil)
}

func (d *TaskConcierge) sendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
) {
	if err := d.discord.sendEmbed(channelID, embed); err != nil {
		_, logger := d.getLogger(ctx)
		logger.ErrorContext(
			ctx,
			"error sending embed",
			tint.Err(err),
			"title", embed.Title,
		)
	}
}

func (d *TaskConcierge) reply(ctx context.Context, channelID string, content string) {
	if err := d.SendMessage(ctx, channelID, content); err != nil {
		_, logger := d.getLogger(ctx)
		logger.ErrorContext(ctx, "error sending message", tint.Err(err))
	}
}

// SendMessage sends a plain message to the channel
func (d *TaskConcierge) SendMessage(
	_ context.Context,
	channelID string,
	content string,
) error {
	_, err := d.discord.session.ChannelMessageSend(channelID, content)
	return err
}

// SendDirectMessage sends a message to the user's DM channel
func (d *TaskConcierge) SendDirectMessage(
	_ context.Context,
	userID string,
	content string,
) error {
	return d.discord.sendDirectMessage(userID, content)
}

// Prompt sends the prompt to the channel and waits for the user's
// next message there. Returns ErrReplyTimeout if nothing is received
// before the timeout.
func (d *TaskConcierge) Prompt(
	ctx context.Context,
	channelID string,
	userID string,
	prompt string,
	timeout time.Duration,
) (string, error) {
	waiter := d.replies.expect(channelID, userID)
	if _, err := d.discord.session.ChannelMessageSend(channelID, prompt); err != nil {
		waiter.cancel()
		return "", err
	}
	reply, err := waiter.wait(ctx, timeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// getUserWorker returns the running worker for the user, starting a new
// one if needed
func (d *TaskConcierge) getUserWorker(
	ctx context.Context,
	userID string,
) *userMentionWorker {
	d.userWorkerMu.Lock()
	defer d.userWorkerMu.Unlock()

	if userWorker := d.userWorkers[userID]; userWorker != nil {
		select {
		case <-userWorker.done:
			// exited, but its cleanup hasn't removed it yet
			delete(d.userWorkers, userID)
		default:
			return userWorker
		}
	}

	startSignal := make(chan struct{}, 1)
	userWorker := newUserWorker(
		userID,
		d.config.Discord.UserWorkerIdleTimeout,
		d.processMention,
	)

	workerCtx := d.runtimeCtx
	if workerCtx == nil {
		workerCtx = ctx
	}
	if _, ok := ContextLogger(workerCtx); !ok {
		workerCtx = WithLogger(workerCtx, d.logger)
	}

	d.userWorkersRunning.Add(1)
	go func() {
		defer d.userWorkersRunning.Add(-1)

		userWorker.Run(workerCtx, startSignal)

		d.userWorkerMu.Lock()
		defer d.userWorkerMu.Unlock()

		w, ok := d.userWorkers[userID]
		if ok && w == userWorker {
			delete(d.userWorkers, userID)
		}
	}()

	d.userWorkers[userID] = userWorker
	<-startSignal
	return userWorker
}

func (d *TaskConcierge) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	return contextLoggerOr(ctx, d.logger)
}
