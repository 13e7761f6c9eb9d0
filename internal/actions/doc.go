// Package actions executes the structured actions proposed by the oracle.
//
// The set of kinds is closed: create_task, create_lead and
// create_appointment. Unknown kinds are logged and ignored. Missing fields
// are filled from the conversation (owner as assignee or organizer, contact
// name for titles) before the crm service validates them.
//
// Each action runs independently. A validation or storage failure marks that
// action failed and the rest still run. Every outcome is written to the
// action log; executed actions also leave an audit message in the
// conversation.
package actions
