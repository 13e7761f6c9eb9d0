// Package crm validates and creates the CRM entities that automated actions
// produce from conversations.
//
// Every failed check returns an error wrapping ErrValidation; storage errors
// are returned wrapped but do not.
package crm
