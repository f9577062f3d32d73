// Package store provides persistent storage for the conversation engine using SQLite.
//
// # Architecture
//
// Store is the single interface consumed by the rest of the engine.
// SQLiteStore implements it; consumers declare narrower interfaces for the
// methods they actually call so tests can substitute fakes.
//
// Writes that must become visible together go through WithTx, which hands
// the callback a Tx:
//
//	err := s.WithTx(ctx, func(tx store.Tx) error {
//		if err := tx.CreateMessage(ctx, msg); err != nil {
//			return err
//		}
//		return tx.TouchConversation(ctx, msg.ConversationID, now)
//	})
//
// # Data Models
//
//   - Person / ChannelAddress: a contact and their normalized addresses
//   - ChannelTarget: a configured inbox or number, seeded from config
//   - Conversation: status, activity flag, assignment, tags, snooze
//   - Message: inbound or outbound, unique external id per target
//   - Note: internal agent annotation
//   - Macro / MacroExecution: automation and its append-only audit log
//   - RoutingRule: channel/target to agent assignment
//
// # SQLite Configuration
//
// Pragmas are set in the DSN so that every pooled connection has them:
//
//	journal_mode=WAL
//	foreign_keys=ON
//	busy_timeout=5000
//
// Transactions are opened with BEGIN IMMEDIATE.
//
// Timestamps are stored as fixed-width UTC text so ORDER BY on them is
// chronological.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateMessage: external id already stored for the channel target
//   - ErrDuplicateAddress: channel address already owned by a person
//   - ErrDuplicateRoutingRule: identical routing rule exists
//
// All methods accept context.Context for cancellation support.
package store
