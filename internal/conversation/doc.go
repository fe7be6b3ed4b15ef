// Package conversation runs chat turns over a persisted message log.
//
// # Turns
//
// Submit and Regenerate are the only writers of a chat's log:
//
//	res, err := svc.Submit(ctx, conversation.SubmitRequest{
//	    ChatID:  chatID,
//	    UserID:  userID,
//	    Message: store.Message{ID: id, Role: store.RoleUser, Content: text},
//	})
//
// Submit applies the message to the log (replacing the last message when
// the ids match, appending otherwise) with status pending, saves, runs the
// agent with the chat's tool set, then resubmits the message as done and
// appends the generated messages through the same rule.
//
// Regenerate takes the id of a user message, deletes every message after
// it in the store and replays the shortened log. An unknown id or a
// non-user target returns an error without touching the store.
//
// # Locking
//
// A turn holds its chat's Locker from load to final save. LocalLocker
// serializes turns inside one process; RedisLocker does the same across
// replicas with a SET NX lock that expires after its TTL.
//
// # Updates
//
// When a Broadcaster is configured every saved message and agent event is
// published to the chat owner's subscribers, which the API streams over SSE.
package conversation
