// Package taskconcierge implements a Discord bot that runs tasks against a
// user's connected accounts (mail, calendar) when it's mentioned.
//
// When a user mentions the bot, the text after the mention is treated as
// a task. The author is mapped to a broker account (by generated ID, by
// email address, or by Discord user ID persisted to a file), the
// account's apps are connected through an OAuth/integration broker, and
// an LLM agent runs the task using the broker's actions as tools. The
// outcome is posted back to the channel as an embed.
//
// Key components of the package include:
//
//   - TaskConcierge: The main struct, which wires everything together and
//     manages startup and shutdown.
//   - Discord: Gateway connection state, embeds and direct messages.
//   - IdentityResolver / IdentityStore: Discord user to account mapping.
//   - Session / SessionStore: Per-account entity, connected accounts and
//     tools, cached for the life of the process.
//   - Broker / ComposioClient: The integration broker REST client.
//   - AgentExecutor: The OpenAI function-calling loop.
//   - API: Health check, OAuth activation callbacks and admin routes.
//
// Mentions are handled by a worker per user, one at a time. A mention
// received while the previous one is still running is rejected with a
// busy reply.
package taskconcierge
