// Package pipeline runs each inbound message through the inbox state machine:
//
//	RECEIVED -> RESOLVED -> STORED(new | duplicate)
//	duplicate -> DONE
//	new -> NOTIFIED -> [AI off: DONE]
//	                 -> GENERATED -> ACTIONS_EXECUTED -> REPLY_STORED -> NOTIFIED -> DONE
//
// A phone can resolve to several conversations; each gets its own copy of the
// message and its own run, concurrently. Storage errors are retried per
// conversation, inline first and then in the background, so one conversation
// failing does not affect its siblings. The FAILED state is only reached when
// both retry budgets are spent.
//
// AI work happens on a bounded worker pool after storage has finished, so the
// webhook acknowledgment never waits on the oracle.
package pipeline
