// Package macro defines agent macros and runs them on conversations.
//
// A macro is an ordered list of actions drawn from a closed set: set_status,
// add_tag, remove_tag, assign_conversation, send_template and add_note.
// Service validates every definition before it is stored and returns
// *InvalidMacroActionError for an unknown type or a missing param.
//
// Executor runs each action in order and keeps going after a failure. The
// result counts executed and failed actions, and each run writes one audit
// row and increments the macro's execution counter once.
package macro
